// Package http exposes the kernel's administrative API over HTTP: the
// query surface for modules, policies, and permissions, plus a single
// action endpoint that submits administrative actions as the kernel's
// current executor identity.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/proteanlabs/protean/core/kernel"
	"github.com/proteanlabs/protean/core/keycode"
	"github.com/proteanlabs/protean/ports"
)

// Version is the service version reported by /version.
const Version = "1.0.0"

// ErrorResponseBody is the error envelope for all non-2xx responses.
type ErrorResponseBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a machine-readable code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// VersionResponse is the /version payload.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// KernelResponse describes the kernel instance.
type KernelResponse struct {
	Address  string `json:"address"`
	Executor string `json:"executor"`
}

// ModuleResource is one registry entry on the wire.
type ModuleResource struct {
	Keycode     string    `json:"keycode"`
	Address     string    `json:"address"`
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}

// PolicyResource is one policy-set entry on the wire.
type PolicyResource struct {
	Address      string    `json:"address"`
	Active       bool      `json:"active"`
	Dependencies []string  `json:"dependencies"`
	ActivatedAt  time.Time `json:"activated_at"`
}

// PermissionResource is one granted triple on the wire.
type PermissionResource struct {
	Policy     string `json:"policy"`
	Keycode    string `json:"keycode"`
	EntryPoint string `json:"entry_point"`
}

// PermissionCheckResponse is the /permissions/check payload.
type PermissionCheckResponse struct {
	Policy     string `json:"policy"`
	Keycode    string `json:"keycode"`
	EntryPoint string `json:"entry_point"`
	Granted    bool   `json:"granted"`
}

// ActionRequest submits one administrative action.
type ActionRequest struct {
	Action string `json:"action"`
	Target string `json:"target"`
}

// ActionResponse acknowledges an applied action.
type ActionResponse struct {
	Status string `json:"status"`
	Action string `json:"action"`
	Target string `json:"target"`
}

// Options configures the admin handler.
type Options struct {
	// Kernel is the kernel instance to expose. Actions are submitted
	// as its current executor; the HTTP layer is the executor's
	// transport, and bearer-token auth decides who may speak for it.
	Kernel *kernel.Kernel

	// Logger for request and action logging.
	Logger zerolog.Logger

	// Hasher verifies the bearer token against TokenHash.
	Hasher ports.Hasher

	// TokenHash is the bcrypt hash of the admin token. Empty disables
	// authentication.
	TokenHash string

	// Metrics, when non-nil, is served at MetricsPath.
	Metrics http.Handler

	// MetricsPath is the mount point for Metrics. Empty means
	// /metrics.
	MetricsPath string
}

// Handler serves the administrative API.
type Handler struct {
	kernel      *kernel.Kernel
	logger      zerolog.Logger
	hasher      ports.Hasher
	metrics     http.Handler
	metricsPath string

	mu        sync.RWMutex
	tokenHash string
}

// New creates the admin handler.
func New(opts Options) *Handler {
	metricsPath := opts.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return &Handler{
		kernel:      opts.Kernel,
		logger:      opts.Logger,
		hasher:      opts.Hasher,
		tokenHash:   opts.TokenHash,
		metrics:     opts.Metrics,
		metricsPath: metricsPath,
	}
}

// Router builds the chi router for the admin API.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/version", h.version)
	if h.metrics != nil {
		r.Handle(h.metricsPath, h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.requireToken)

		r.Get("/kernel", h.getKernel)
		r.Get("/modules", h.listModules)
		r.Get("/modules/{keycode}", h.getModule)
		r.Get("/policies", h.listPolicies)
		r.Get("/policies/{address}/permissions", h.listPermissions)
		r.Get("/permissions/check", h.checkPermission)
		r.Post("/actions", h.submitAction)
	})

	return r
}

// SetTokenHash swaps the admin token hash, e.g. on a config reload. An
// empty hash disables authentication.
func (h *Handler) SetTokenHash(hash string) {
	h.mu.Lock()
	h.tokenHash = hash
	h.mu.Unlock()
}

// requireToken enforces bearer-token auth when a token hash is
// configured. The token itself never touches disk or logs.
func (h *Handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		tokenHash := h.tokenHash
		h.mu.RUnlock()

		if tokenHash == "" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token", "Authorization: Bearer token required")
			return
		}
		if h.hasher == nil || !h.hasher.Compare([]byte(tokenHash), token) {
			writeError(w, http.StatusUnauthorized, "invalid_token", "The provided admin token is invalid")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: Version, Service: "protean"})
}

func (h *Handler) getKernel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, KernelResponse{
		Address:  string(h.kernel.Address()),
		Executor: string(h.kernel.Executor()),
	})
}

func (h *Handler) listModules(w http.ResponseWriter, r *http.Request) {
	recs := h.kernel.Modules()
	out := make([]ModuleResource, 0, len(recs))
	for _, rec := range recs {
		out = append(out, moduleResource(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) getModule(w http.ResponseWriter, r *http.Request) {
	kc, err := keycode.Parse(chi.URLParam(r, "keycode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_keycode", err.Error())
		return
	}

	for _, rec := range h.kernel.Modules() {
		if rec.Keycode == kc {
			writeJSON(w, http.StatusOK, moduleResource(rec))
			return
		}
	}
	writeError(w, http.StatusNotFound, "module_not_installed", "no module installed under "+kc.String())
}

func (h *Handler) listPolicies(w http.ResponseWriter, r *http.Request) {
	recs := h.kernel.Policies()
	out := make([]PolicyResource, 0, len(recs))
	for _, rec := range recs {
		out = append(out, policyResource(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	addr := kernel.Address(chi.URLParam(r, "address"))
	perms := h.kernel.Permissions(addr)
	out := make([]PermissionResource, 0, len(perms))
	for _, p := range perms {
		out = append(out, PermissionResource{
			Policy:     string(p.Policy),
			Keycode:    p.Keycode.String(),
			EntryPoint: p.EntryPoint,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) checkPermission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	policy := q.Get("policy")
	entry := q.Get("entry_point")
	kc, err := keycode.Parse(q.Get("keycode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_keycode", err.Error())
		return
	}
	if policy == "" || entry == "" {
		writeError(w, http.StatusBadRequest, "missing_parameter", "policy, keycode, and entry_point are required")
		return
	}

	granted := h.kernel.Permitted(kernel.Address(policy), kc, entry)
	writeJSON(w, http.StatusOK, PermissionCheckResponse{
		Policy:     policy,
		Keycode:    kc.String(),
		EntryPoint: entry,
		Granted:    granted,
	})
}

func (h *Handler) submitAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON with action and target")
		return
	}

	tag, ok := parseActionTag(req.Action)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_action", "unknown action "+req.Action)
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "missing_target", "target is required")
		return
	}

	// Submit as whoever the executor is right now: the identity can
	// rotate at runtime through a change_executor action.
	err := h.kernel.Execute(r.Context(), h.kernel.Executor(), kernel.Action{
		Tag:    tag,
		Target: kernel.Address(req.Target),
	})
	if err != nil {
		status, code := actionErrorStatus(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{
		Status: "applied",
		Action: tag.String(),
		Target: req.Target,
	})
}

// parseActionTag maps wire action names to tags. Names match
// ActionTag.String.
func parseActionTag(name string) (kernel.ActionTag, bool) {
	switch name {
	case "install_module":
		return kernel.InstallModule, true
	case "upgrade_module":
		return kernel.UpgradeModule, true
	case "deprecate_module":
		return kernel.DeprecateModule, true
	case "activate_policy":
		return kernel.ActivatePolicy, true
	case "deactivate_policy":
		return kernel.DeactivatePolicy, true
	case "change_executor":
		return kernel.ChangeExecutor, true
	case "migrate_kernel":
		return kernel.MigrateKernel, true
	default:
		return 0, false
	}
}

// actionErrorStatus maps dispatcher errors to HTTP status codes.
func actionErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, kernel.ErrUnknownTarget):
		return http.StatusNotFound, "unknown_target"
	case errors.Is(err, kernel.ErrModuleNotInstalled):
		return http.StatusNotFound, "module_not_installed"
	case errors.Is(err, kernel.ErrPolicyNotActive):
		return http.StatusNotFound, "policy_not_active"
	case errors.Is(err, kernel.ErrModuleInstalled):
		return http.StatusConflict, "module_installed"
	case errors.Is(err, kernel.ErrPolicyActive):
		return http.StatusConflict, "policy_active"
	case errors.Is(err, kernel.ErrModuleInUse):
		return http.StatusConflict, "module_in_use"
	case errors.Is(err, kernel.ErrActionInProgress):
		return http.StatusConflict, "action_in_progress"
	case errors.Is(err, kernel.ErrNotExecutor):
		return http.StatusForbidden, "not_executor"
	case errors.Is(err, kernel.ErrKernelRetired):
		return http.StatusGone, "kernel_retired"
	case errors.Is(err, kernel.ErrInvalidTarget), errors.Is(err, keycode.ErrInvalid):
		return http.StatusBadRequest, "invalid_target"
	default:
		return http.StatusInternalServerError, "action_failed"
	}
}

func moduleResource(rec kernel.ModuleRecord) ModuleResource {
	return ModuleResource{
		Keycode:     rec.Keycode.String(),
		Address:     string(rec.Address),
		Version:     rec.Version.String(),
		InstalledAt: rec.InstalledAt,
	}
}

func policyResource(rec kernel.PolicyRecord) PolicyResource {
	deps := make([]string, 0, len(rec.Dependencies))
	for _, d := range rec.Dependencies {
		deps = append(deps, d.String())
	}
	return PolicyResource{
		Address:      string(rec.Address),
		Active:       rec.Active,
		Dependencies: deps,
		ActivatedAt:  rec.ActivatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponseBody{Error: ErrorDetail{Code: code, Message: message}})
}
