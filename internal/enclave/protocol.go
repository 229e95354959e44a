package enclave

// URL paths of the enclave's HTTP API.
const (
	PathAttestation = "/attestation/"
	PathKeyExchange = "/key_exchange"
	PathHealthCheck = "/health-check"
)

const (
	// HeaderSessionID carries the session identifier on encrypted requests.
	HeaderSessionID = "x-session-id"
	// HeaderPlaintextType carries the content type of an encrypted response
	// body's plaintext, if it isn't JSON.
	HeaderPlaintextType = "x-plaintext-content-type"
	// HeaderPlaintext marks a response body as deliberately unencrypted if
	// its value is "true".  Bodies without an envelope are rejected unless
	// they carry this header.
	HeaderPlaintext = "x-plaintext"
)

// KeyExchangeRequest is the body of a key exchange request.
type KeyExchangeRequest struct {
	// ClientPublicKey is the Base64-encoded X25519 public key of the client.
	ClientPublicKey string `json:"client_public_key"`
	Nonce           string `json:"nonce"`
}

// KeyExchangeResponse is the enclave's answer to a key exchange request.
type KeyExchangeResponse struct {
	// EncryptedSessionKey is the session key, sealed with the X25519 shared
	// secret of the client's and the enclave's key pairs.
	EncryptedSessionKey string `json:"encrypted_session_key"`
	SessionID           string `json:"session_id"`
}
