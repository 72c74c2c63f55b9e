// Package config declares the pm3link command line.
package config

import (
	"github.com/pm3link/pm3link/internal/cmd"
	"github.com/pm3link/pm3link/internal/log"
)

// CLI is the root kong grammar. Every flag can also come from a config file
// or a PM3LINK_* environment variable.
type CLI struct {
	Config string     `help:"Path to a JSON, YAML or TOML config file" type:"path" env:"PM3LINK_CONFIG"`
	Log    log.Config `embed:"" prefix:"log."`

	Emulate     cmd.Emulate       `cmd:"" help:"Export an emulated Proxmark3 over USB/IP"`
	Ping        cmd.Ping          `cmd:"" help:"Check the link to a Proxmark with CMD_PING"`
	Send        cmd.Send          `cmd:"" help:"Send one command frame and print the response"`
	List        cmd.List          `cmd:"" help:"List connected Proxmarks"`
	Descriptors cmd.Descriptors   `cmd:"" help:"Dump the USB descriptors of the emulated device"`
	Proxy       cmd.Proxy         `cmd:"" help:"Relay USB/IP traffic and log the decoded command frames"`
	Cfg         cmd.ConfigCommand `cmd:"" name:"config" help:"Manage configuration files"`
	Install     cmd.Install       `cmd:"" help:"Install the emulator as a systemd service (Linux)"`
	Uninstall   cmd.Uninstall     `cmd:"" help:"Remove the systemd service (Linux)"`
}
