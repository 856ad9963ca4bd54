package config

import "testing"

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Engine.TickIntervalMS != 30_000 {
		t.Fatalf("expected default tick interval 30000ms, got %d", cfg.Engine.TickIntervalMS)
	}
	if !cfg.Database.RunMigrations {
		t.Fatalf("expected migrate-on-start default true")
	}
}

func TestNormalizeFillsZeroConcurrency(t *testing.T) {
	cfg := New()
	cfg.Engine.TickConcurrency = 0
	cfg.Upstream.RateLimitQPS = 0
	cfg.normalize()

	if cfg.Engine.TickConcurrency != 1 {
		t.Fatalf("expected tick concurrency normalized to 1, got %d", cfg.Engine.TickConcurrency)
	}
	if cfg.Upstream.RateLimitQPS != 1 {
		t.Fatalf("expected rate limit qps normalized to 1, got %v", cfg.Upstream.RateLimitQPS)
	}
}

func TestDatabaseConnectionStringPrefersDSN(t *testing.T) {
	db := DatabaseConfig{DSN: "postgres://explicit", Host: "h", Port: 5432, User: "u", Name: "n", SSLMode: "disable"}
	if got := db.ConnectionString(); got != "postgres://explicit" {
		t.Fatalf("expected DSN to win, got %q", got)
	}

	db2 := DatabaseConfig{Host: "h", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	want := "host=h port=5432 user=u password=p dbname=n sslmode=disable"
	if got := db2.ConnectionString(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
