package smtp

import (
	"errors"
	"testing"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{name: "match", username: "testuser", password: "testpass"},
		{name: "wrong password", username: "testuser", password: "wrong", wantErr: true},
		{name: "wrong username", username: "other", password: "testpass", wantErr: true},
		{name: "prefix of password", username: "testuser", password: "test", wantErr: true},
		{name: "empty", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := auth.Verify(tt.username, tt.password)
			if tt.wantErr && !errors.Is(err, ErrAuthFailed) {
				t.Errorf("got %v, want ErrAuthFailed", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestAuthenticator_PlainServer(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name     string
		response string
		wantUser string
		wantErr  bool
	}{
		{name: "no authzid", response: "\x00testuser\x00testpass", wantUser: "testuser"},
		{name: "with authzid", response: "admin\x00testuser\x00testpass", wantUser: "testuser"},
		{name: "wrong password", response: "\x00testuser\x00nope", wantErr: true},
		{name: "malformed", response: "testuser", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var user string
			srv := auth.PlainServer(func(u string) { user = u })
			_, done, err := srv.Next([]byte(tt.response))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if user != "" {
					t.Errorf("onSuccess called with %q", user)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !done {
				t.Error("exchange not done")
			}
			if user != tt.wantUser {
				t.Errorf("user: got %q, want %q", user, tt.wantUser)
			}
		})
	}
}
