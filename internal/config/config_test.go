package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.BlobDriver != BlobLocal {
		t.Fatalf("unexpected drivers %q/%q", cfg.DatabaseDriver, cfg.BlobDriver)
	}
	if cfg.AccessTTL != 15*time.Minute || cfg.RefreshTTL != 720*time.Hour {
		t.Fatalf("unexpected ttls %v/%v", cfg.AccessTTL, cfg.RefreshTTL)
	}
	if cfg.ReleaseGuard != "participant" || cfg.RequireNewVersionAfterReject {
		t.Fatalf("unexpected workflow defaults %+v", cfg)
	}
	if cfg.UploadMaxBytes != 20<<20 {
		t.Fatalf("unexpected upload limit %d", cfg.UploadMaxBytes)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DMS_DATABASE_DRIVER", "postgres")
	t.Setenv("DMS_DATABASE_URL", "postgres://example/dms")
	t.Setenv("DMS_WORKFLOW_RELEASE_GUARD", "reviewer")
	t.Setenv("DMS_AUTH_ACCESS_TTL", "5m")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres || cfg.DatabaseURL != "postgres://example/dms" {
		t.Fatalf("unexpected database config %q %q", cfg.DatabaseDriver, cfg.DatabaseURL)
	}
	if cfg.ReleaseGuard != "reviewer" || cfg.AccessTTL != 5*time.Minute {
		t.Fatalf("unexpected overrides %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{key: "database.driver", value: "mysql", want: "database.driver"},
		{key: "auth.jwt_secret", value: " ", want: "auth.jwt_secret"},
		{key: "blob.driver", value: "s3", want: "blob.driver"},
		{key: "workflow.release_guard", value: "anyone", want: "workflow.release_guard"},
		{key: "upload.max_bytes", value: "0", want: "upload.max_bytes"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			v := NewViper()
			v.Set(tc.key, tc.value)
			_, err := Load(v)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
