package credential

import (
	"errors"
	"testing"
	"time"
)

func TestMintVerify(t *testing.T) {
	iss := NewIssuer([]byte("secret"), 5*time.Minute)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	token, expires, err := iss.Mint("u1", "e1", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !expires.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expires = %v, want now+5m", expires)
	}

	claims, err := iss.Verify(token, "u1", "e1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.ID == "" {
		t.Fatal("token has no jti")
	}

	cases := []struct {
		name    string
		token   string
		user    string
		event   string
		at      time.Time
		wantErr bool
	}{
		{name: "other user", token: token, user: "u2", event: "e1", at: now, wantErr: true},
		{name: "other event", token: token, user: "u1", event: "e2", at: now, wantErr: true},
		{name: "expired", token: token, user: "u1", event: "e1", at: now.Add(6 * time.Minute), wantErr: true},
		{name: "garbage", token: "not-a-jwt", user: "u1", event: "e1", at: now, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := iss.Verify(tc.token, tc.user, tc.event, tc.at)
			if tc.wantErr && !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	now := time.Now()
	token, _, err := NewIssuer([]byte("a"), time.Minute).Mint("u1", "e1", now)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := NewIssuer([]byte("b"), time.Minute).Verify(token, "u1", "e1", now); !errors.Is(err, ErrInvalid) {
		t.Fatalf("err = %v, want ErrInvalid", err)
	}
}
