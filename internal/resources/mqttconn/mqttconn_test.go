package mqttconn

import (
	"testing"
	"time"

	"github.com/nerrad567/keeper/internal/unreliable"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Name: "broker", BrokerURL: "tcp://localhost:1883", ClientID: "keeper"}, false},
		{"missing name", Config{BrokerURL: "tcp://localhost:1883", ClientID: "keeper"}, true},
		{"missing broker", Config{Name: "broker", ClientID: "keeper"}, true},
		{"missing client id", Config{Name: "broker", BrokerURL: "tcp://localhost:1883"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfIsValid(t *testing.T) {
	if err := Conf().Validate(); err != nil {
		t.Errorf("Conf().Validate() error = %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	res, err := New(Config{Name: "broker", BrokerURL: "tcp://localhost:1883", ClientID: "keeper"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if res.cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %s, want 10s", res.cfg.ConnectTimeout)
	}
	if res.cfg.KeepAlive != 30*time.Second {
		t.Errorf("KeepAlive = %s, want 30s", res.cfg.KeepAlive)
	}
}

func TestStopRejectsForeignHandle(t *testing.T) {
	res, err := New(Config{Name: "broker", BrokerURL: "tcp://localhost:1883", ClientID: "keeper"}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var foreign unreliable.Handle
	if err := res.Stop(foreign); err == nil {
		t.Error("Stop(nil handle) error = nil, want type error")
	}
}
