package service

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/executor"
	"github.com/danmuck/relayctl/internal/testutil/testlog"
	"github.com/danmuck/relayctl/internal/testutil/tlstest"
)

func TestServiceTLSListener(t *testing.T) {
	testlog.Start(t)
	pair := tlstest.ServerPair(t)

	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TLSCertFile = pair.CertFile
	cfg.TLSKeyFile = pair.KeyFile
	svc, err := NewServiceWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ln, err := svc.listen()
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	addr := ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
	}()

	httpClient := &http.Client{
		Timeout:   3 * time.Second,
		Transport: &http.Transport{TLSClientConfig: pair.ClientConfig()},
	}
	resp, err := httpClient.Get("https://" + addr + "/health")
	if err != nil {
		t.Fatalf("https health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 over tls, got %d", resp.StatusCode)
	}

	plain := &http.Client{Timeout: 3 * time.Second}
	if _, err := plain.Get("https://" + addr + "/health"); err == nil {
		t.Fatalf("expected untrusted certificate to fail verification")
	}

	execCfg := executor.Config{
		URL:                "wss://" + addr + "/ws",
		Identity:           "secure-1",
		TLSConfig:          pair.ClientConfig(),
		MaxConnectAttempts: 1,
	}
	client, err := executor.NewClient(execCfg, nil)
	if err != nil {
		t.Fatalf("executor client: %v", err)
	}
	session, err := client.ConnectAndRegister(ctx)
	if err != nil {
		t.Fatalf("wss register: %v", err)
	}
	defer session.Close()
	if _, ok := svc.Relay().Registry().Lookup("secure-1"); !ok {
		t.Fatalf("executor not bound after wss registration")
	}
}

func TestServiceTLSBadKeypair(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.TLSCertFile = filepath.Join(t.TempDir(), "missing.crt")
	cfg.TLSKeyFile = filepath.Join(t.TempDir(), "missing.key")
	svc, err := NewServiceWithConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	defer svc.Close()
	if _, err := svc.listen(); err == nil {
		t.Fatalf("expected keypair load error")
	}
}
