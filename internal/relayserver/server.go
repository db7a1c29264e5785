package relayserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

const shutdownTimeout = 5 * time.Second

// Serve runs hub and serves handler on addr until ctx ends, then shuts both
// down.
func Serve(ctx context.Context, addr string, hub *Hub, handler http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ServeListener(ctx, ln, hub, handler)
}

func ServeListener(ctx context.Context, ln net.Listener, hub *Hub, handler http.Handler) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	defer func() {
		stopHub()
		<-hub.done
	}()

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(hub.logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() {
		hub.logger.Info("relay listening", "addr", ln.Addr().String())
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// hijacked websockets are not tracked by Shutdown; stopping the hub
	// closes them
	stopHub()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown relay: %w", err)
	}
	return nil
}
