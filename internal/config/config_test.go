package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/searchforge/pcf/internal/contract"
	"github.com/searchforge/pcf/quota"
)

func TestLoadDefaults(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTP.Addr != ":8080" || c.HTTP.RequestTimeout != 2*time.Second {
		t.Fatalf("unexpected http config %+v", c.HTTP)
	}
	if c.Engine.ValidityPeriod != 3600 || c.Engine.EvaluationBudget != 500*time.Millisecond {
		t.Fatalf("unexpected engine config %+v", c.Engine)
	}
	if len(c.Engine.Provision.Networks) != 2 || c.Engine.Provision.Networks[1] != contract.Network5G {
		t.Fatalf("unexpected provision networks %v", c.Engine.Provision.Networks)
	}
	if c.OCS.Mode != "ledger" || c.CGF.Dispatcher.Workers != 2 || c.Diameter.SessionTTL != 30*time.Minute {
		t.Fatalf("unexpected collaborator config %+v %+v %+v", c.OCS, c.CGF, c.Diameter)
	}
	if c.OCS.Upstream.Guard.Name != "ocs" || c.OCS.Upstream.Guard.Timeout != 300*time.Millisecond {
		t.Fatalf("unexpected ocs guard %+v", c.OCS.Upstream.Guard)
	}
	if c.Quota.Default.OnExhaustion != quota.ActionThrottle || c.Quota.Default.ThrottleKbps != 64 {
		t.Fatalf("unexpected quota default %+v", c.Quota.Default)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pcf.yaml")
	yaml := `
http:
  addr: ":9000"
ocs:
  mode: http
  upstream:
    url: http://ocs.internal
diameter:
  session_store: redis
quota:
  default:
    name: fair_use
    on_exhaustion: throttle
    throttle_kbps: 128
  policies:
    - name: hard_cap
      on_exhaustion: block
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PCF_HTTP_ADDR", ":9100")
	t.Setenv("PCF_KAFKA_BROKERS", "k1:9092,k2:9092")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.HTTP.Addr != ":9100" {
		t.Fatalf("env must override the file, got %q", c.HTTP.Addr)
	}
	if c.OCS.Mode != "http" || c.OCS.Upstream.URL != "http://ocs.internal" || c.Diameter.SessionStore != "redis" {
		t.Fatalf("file values not applied: %+v %+v", c.OCS, c.Diameter)
	}
	if len(c.Kafka.Brokers) != 2 {
		t.Fatalf("expected two brokers, got %v", c.Kafka.Brokers)
	}

	catalog := c.Quota.Catalog()
	if p := catalog.Resolve([]string{"hard_cap"}); p.OnExhaustion != quota.ActionBlock {
		t.Fatalf("expected blocking policy, got %+v", p)
	}
	if p := catalog.Resolve(nil); p.ThrottleKbps != 128 {
		t.Fatalf("expected configured fallback, got %+v", p)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("PCF_OCS_MODE", "carrier-pigeon")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected read error")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	c := Config{OCS: OCSConfig{Mode: "ledger"}, CGF: CGFConfig{Mode: "log"}, Diameter: DiameterConfig{SessionStore: "memory"}}
	c.Kafka.Enabled = true
	c.Postgres.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatal("expected errors for addr, shards, kafka and postgres")
	}
}
