package api

// ErrorResponse is the Matrix error body.
type ErrorResponse struct {
	Errcode string `json:"errcode"`
	Error   string `json:"error"`
}

// RateLimitedResponse is returned with 429 Too Many Requests.
type RateLimitedResponse struct {
	Errcode      string `json:"errcode"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// LegacyLoginFlow advertises a login type that bypasses UIA.
type LegacyLoginFlow struct {
	Type string `json:"type"`
}

// LoginFlowsResponse is returned from GET /login. Flows mixes UIA flows
// ({"stages": [...]}) with legacy flows ({"type": ...}).
type LoginFlowsResponse struct {
	Flows []any `json:"flows"`
}

// DeactivateRequest holds the fields of POST /account/deactivate the gateway
// acts on.
type DeactivateRequest struct {
	Erase bool `json:"erase"`
}

// DeactivateResponse is returned from POST /account/deactivate.
type DeactivateResponse struct {
	IDServerUnbindResult string `json:"id_server_unbind_result"`
}

// ChangePasswordRequest is the JSON body for POST /account/password.
type ChangePasswordRequest struct {
	NewPassword string `json:"new_password"`
}

// RegisterRequest holds the fields of POST /register the gateway forwards.
type RegisterRequest struct {
	Username                 string `json:"username"`
	DeviceID                 string `json:"device_id"`
	InitialDeviceDisplayName string `json:"initial_device_display_name"`
	InhibitLogin             bool   `json:"inhibit_login"`
	RefreshToken             bool   `json:"refresh_token"`
}

// RegistrationToken is the admin API view of a registration token.
type RegistrationToken struct {
	Token       string `json:"token"`
	UsesAllowed *int   `json:"uses_allowed"`
	Pending     int    `json:"pending"`
	Completed   int    `json:"completed"`
	ExpiryTime  *int64 `json:"expiry_time"`
}

// ListRegistrationTokensResponse is returned from GET /registration_tokens.
type ListRegistrationTokensResponse struct {
	RegistrationTokens []RegistrationToken `json:"registration_tokens"`
	PaginationMeta
}

// CreateRegistrationTokenRequest is the JSON body for POST
// /registration_tokens/new. A missing token is generated with Length
// characters.
type CreateRegistrationTokenRequest struct {
	Token       string `json:"token"`
	UsesAllowed *int   `json:"uses_allowed"`
	ExpiryTime  *int64 `json:"expiry_time"`
	Length      int    `json:"length"`
}

// HealthResponse is returned from GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
