package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/PunishXIV/PalacePal/internal/server"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		secret     = flag.String("secret", "", "token signing secret (or set PAL_SECRET)")
		grantRole  = flag.String("grant_role", "", "grant '<account-id>:<role>' and exit")
		minVersion = flag.String("set_min_version", "", "set the minimum client version and exit")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[palserver] ", log.LstdFlags|log.Lmicroseconds)

	store, err := server.OpenStore(filepath.Join(*dataDir, "palserver.db"), logger)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if *grantRole != "" {
		accountID, role, ok := strings.Cut(*grantRole, ":")
		if !ok {
			logger.Fatalf("bad -grant_role, want '<account-id>:<role>'")
		}
		if err := store.GrantRole(accountID, role); err != nil {
			logger.Fatalf("grant role: %v", err)
		}
		logger.Printf("granted %s to %s", role, accountID)
		return
	}
	if *minVersion != "" {
		if err := store.SetSetting("minimum_client_version", *minVersion); err != nil {
			logger.Fatalf("set min version: %v", err)
		}
		logger.Printf("minimum client version set to %s", *minVersion)
		return
	}

	signingSecret := strings.TrimSpace(*secret)
	if signingSecret == "" {
		signingSecret = strings.TrimSpace(os.Getenv("PAL_SECRET"))
	}
	if signingSecret == "" {
		logger.Fatalf("missing -secret (or PAL_SECRET)")
	}

	srv, err := server.New(store, []byte(signingSecret), logger)
	if err != nil {
		logger.Fatalf("server: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		logger.Printf("listening on %s", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown: %v", err)
	}
	logger.Printf("bye")
}
