package idp

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// stateLength is the number of random bytes used for state and nonce values.
const stateLength = 32

func pkceChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// generateState creates a random, URL-safe string. It is used for both the
// state parameter and the nonce.
func generateState() (string, error) {
	b := make([]byte, stateLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// newLoginState creates fresh PKCE, nonce and state values. The second
// result is the S256 code challenge.
func newLoginState(returnURL string) (LoginState, string, error) {
	verifier := oauth2.GenerateVerifier()
	nonce, err := generateState()
	if err != nil {
		return LoginState{}, "", err
	}
	state, err := generateState()
	if err != nil {
		return LoginState{}, "", err
	}
	return LoginState{CodeVerifier: verifier, Nonce: nonce, State: state, ReturnURL: returnURL}, pkceChallenge(verifier), nil
}
