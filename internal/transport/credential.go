package transport

// Credential carries the bearer token shared by every pipeline client.
// It is read once at startup and never mutated.
type Credential struct {
	token string
}

// NewCredential wraps a bearer token. An empty token is accepted; the remote
// API rejects it on first use.
func NewCredential(token string) Credential {
	return Credential{token: token}
}

// Empty reports whether no token was configured.
func (c Credential) Empty() bool {
	return c.token == ""
}

// Header returns the Authorization header value.
func (c Credential) Header() string {
	return "Bearer " + c.token
}

// String redacts the token so credentials never reach the logs.
func (c Credential) String() string {
	if c.Empty() {
		return "Credential(empty)"
	}
	return "Credential(redacted)"
}
