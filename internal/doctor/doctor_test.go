// SPDX-License-Identifier: MIT

package doctor

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkgsmith/agentpack/internal/config"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	name   string
	result Result
}

func (s stubChecker) Name() string                 { return s.name }
func (s stubChecker) Check(context.Context) Result { return s.result }

func TestManagerAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
		exitCode int
	}{
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy, 0},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded, 1},
		{"unhealthy wins", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy, 2},
		{"empty", nil, StatusHealthy, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager()
			for i, s := range tt.statuses {
				m.Register(stubChecker{name: string(rune('a' + i)), result: Result{Status: s}})
			}
			report := m.Run(context.Background())
			require.Equal(t, tt.want, report.Status)
			require.Equal(t, tt.exitCode, report.ExitCode())
			require.Len(t, report.Results, len(tt.statuses))
		})
	}
}

func TestProxyChecker(t *testing.T) {
	t.Run("no proxy", func(t *testing.T) {
		t.Setenv("HTTPS_PROXY", "")
		t.Setenv("HTTP_PROXY", "")
		res := NewProxyChecker("").Check(context.Background())
		require.Equal(t, StatusHealthy, res.Status)
	})

	t.Run("explicit overriding ambient", func(t *testing.T) {
		t.Setenv("HTTPS_PROXY", "http://corp-proxy:3128")
		res := NewProxyChecker("http://other-proxy:8080").Check(context.Background())
		require.Equal(t, StatusDegraded, res.Status)
	})

	t.Run("explicit matching ambient", func(t *testing.T) {
		t.Setenv("HTTPS_PROXY", "http://corp-proxy:3128")
		res := NewProxyChecker("http://corp-proxy:3128").Check(context.Background())
		require.Equal(t, StatusHealthy, res.Status)
	})
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "corp-intercept"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func TestCABundleChecker(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		res := NewCABundleChecker("").Check(context.Background())
		require.Equal(t, StatusHealthy, res.Status)
	})

	t.Run("valid bundle", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, selfSignedPEM(t), 0644))
		res := NewCABundleChecker(path).Check(context.Background())
		require.Equal(t, StatusHealthy, res.Status)
	})

	t.Run("garbage bundle", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0644))
		res := NewCABundleChecker(path).Check(context.Background())
		require.Equal(t, StatusUnhealthy, res.Status)
	})

	t.Run("missing file", func(t *testing.T) {
		res := NewCABundleChecker(filepath.Join(t.TempDir(), "nope.pem")).Check(context.Background())
		require.Equal(t, StatusUnhealthy, res.Status)
	})
}

func TestDirsChecker(t *testing.T) {
	res := NewDirsChecker(t.TempDir(), filepath.Join(t.TempDir(), "created-on-demand")).Check(context.Background())
	require.Equal(t, StatusHealthy, res.Status)
}

func TestManifestChecker(t *testing.T) {
	t.Run("missing manifest", func(t *testing.T) {
		res := NewManifestChecker(filepath.Join(t.TempDir(), "nope.json")).Check(context.Background())
		require.Equal(t, StatusUnhealthy, res.Status)
	})

	t.Run("valid manifest without arm64", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "manifest.json")
		doc := `{
			"schemaVersion": "1",
			"servers": [{
				"id": "gopls",
				"name": "gopls",
				"version": "0.16.2",
				"required": true,
				"assets": {
					"win-x64": {
						"url": "https://example.com/gopls.zip",
						"sha256": "` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `",
						"size": 10,
						"kind": "archive-zip"
					}
				}
			}]
		}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
		res := NewManifestChecker(path).Check(context.Background())
		require.Equal(t, StatusDegraded, res.Status)
		require.Contains(t, res.Message, "no win-arm64 coverage")
	})
}

func TestRegistryChecker(t *testing.T) {
	t.Run("skipped offline", func(t *testing.T) {
		res := NewRegistryChecker(config.AppConfig{Offline: true}).Check(context.Background())
		require.Equal(t, StatusHealthy, res.Status)
		require.Contains(t, res.Message, "offline")
	})

	t.Run("reachable registry", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodHead, r.Method)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		path := filepath.Join(t.TempDir(), "manifest.json")
		doc := `{
			"schemaVersion": "1",
			"servers": [{
				"id": "gopls",
				"name": "gopls",
				"version": "0.16.2",
				"required": true,
				"assets": {
					"win-x64": {
						"url": "` + srv.URL + `/gopls.zip",
						"sha256": "` + "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" + `",
						"size": 10,
						"kind": "archive-zip"
					}
				}
			}]
		}`
		require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

		res := NewRegistryChecker(config.AppConfig{ManifestPath: path}).Check(context.Background())
		require.Equal(t, StatusHealthy, res.Status)
	})
}
