package auth

import (
	"context"
	"fmt"

	fbauth "firebase.google.com/go/auth"
)

// IDTokenVerifier is the part of the Firebase auth client used here.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier accepts Firebase ID tokens. The actor id is the
// Firebase uid.
type FirebaseVerifier struct {
	client IDTokenVerifier
}

// NewFirebaseVerifier wraps a Firebase auth client.
func NewFirebaseVerifier(client IDTokenVerifier) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

// Verify checks the ID token with Firebase.
func (v *FirebaseVerifier) Verify(ctx context.Context, raw string) (string, error) {
	tok, err := v.client.VerifyIDToken(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return tok.UID, nil
}
