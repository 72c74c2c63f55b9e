package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/pm3link/pm3link/internal/log"
	"github.com/pm3link/pm3link/internal/server/proxy"
)

// Proxy relays a USB/IP connection and logs the decoded Proxmark traffic.
type Proxy struct {
	proxy.Config `embed:""`
}

// Run is called by Kong when the proxy command is executed.
func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}

	logger.Info("Starting pm3link USB-IP proxy", "listen", p.ListenAddr, "upstream", p.UpstreamAddr)
	proxySrv := proxy.New(p.Config, logger, rawLogger)

	proxyErrCh := make(chan error, 1)
	go func() {
		proxyErrCh <- proxySrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down proxy server")
		_ = proxySrv.Close()
		<-proxyErrCh
		return nil
	case err := <-proxyErrCh:
		return err
	}
}
