package localapi

import (
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jasonberkes/ses-local/internal/authstub"
)

// SocketPath is the default control-plane socket location under the user's
// home directory. Windows substitutes a named pipe transport; this repo
// targets the Unix domain-socket path.
func SocketPath(homeDir string) string {
	return filepath.Join(homeDir, ".ses", "daemon.sock")
}

// ControlPlane is the privileged, locally-owned management server: status,
// license, sign-out, and shutdown. It is bound to a domain socket with mode
// 0600, never to a network-reachable address.
type ControlPlane struct {
	SocketPath string
	Auth       authstub.AuthService
	License    authstub.LicenseService
	StartedAt  time.Time
	Shutdown   func()
}

func NewControlPlane(socketPath string, auth authstub.AuthService, license authstub.LicenseService, shutdown func()) *ControlPlane {
	return &ControlPlane{
		SocketPath: socketPath,
		Auth:       auth,
		License:    license,
		StartedAt:  time.Now().UTC(),
		Shutdown:   shutdown,
	}
}

func (c *ControlPlane) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", c.handleStatus)
	mux.HandleFunc("/api/license", c.handleLicense)
	mux.HandleFunc("/api/license/activate", c.handleLicenseActivate)
	mux.HandleFunc("/api/signout", c.handleSignOut)
	mux.HandleFunc("/api/shutdown", c.handleShutdown)
	return mux
}

// Listen removes any stale socket file, binds a new one at mode 0600, and
// returns the listener for the caller to serve on and close during shutdown.
func (c *ControlPlane) Listen() (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(c.SocketPath), 0o700); err != nil {
		return nil, err
	}
	if err := os.Remove(c.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	l, err := net.Listen("unix", c.SocketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(c.SocketPath, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

type statusResponse struct {
	Authenticated bool      `json:"authenticated"`
	LicenseValid  bool      `json:"license_valid"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartedAt     time.Time `json:"started_at"`
}

func (c *ControlPlane) handleStatus(w http.ResponseWriter, r *http.Request) {
	authState := c.Auth.GetState(r.Context())
	licenseState := c.License.GetState(r.Context())
	writeJSON(w, http.StatusOK, statusResponse{
		Authenticated: authState.Authenticated,
		LicenseValid:  licenseState.Valid,
		UptimeSeconds: time.Since(c.StartedAt).Seconds(),
		StartedAt:     c.StartedAt,
	})
}

func (c *ControlPlane) handleLicense(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, c.License.GetState(r.Context()))
}

type activateRequest struct {
	Key string `json:"key"`
}

func (c *ControlPlane) handleLicenseActivate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body activateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := c.License.Activate(r.Context(), body.Key); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, c.License.GetState(r.Context()))
}

func (c *ControlPlane) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := c.Auth.SignOut(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (c *ControlPlane) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	if c.Shutdown != nil {
		go c.Shutdown()
	}
}
