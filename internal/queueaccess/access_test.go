package queueaccess_test

import (
	"context"
	"testing"

	"conveyor/internal/queue"
	"conveyor/internal/queueaccess"
	"conveyor/internal/testsupport"
)

func TestOpenDefaultsToSQLite(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStages("script", "publish"))
	session, err := queueaccess.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer session.Close()

	if session.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", session.Driver)
	}
	if _, ok := session.Backend.(*queue.Store); !ok {
		t.Fatalf("expected *queue.Store backend, got %T", session.Backend)
	}
	if got := session.Backend.Pipeline().Strings(); len(got) != 2 || got[0] != "script" {
		t.Fatalf("unexpected pipeline %v", got)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Queue.Driver = "mysql"
	if _, err := queueaccess.Open(context.Background(), cfg, nil); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
