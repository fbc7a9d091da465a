// Command consentctl is an operator CLI for the consent-server gRPC API.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	grpcserver "github.com/and161185/consent-keeper/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "consentctl")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "consentctl")
}

func tokenPath() string { return filepath.Join(cfgDir(), "token.json") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || time.Now().After(tf.ExpiresAt) {
		return "", errors.New("no valid token (run: consentctl token issue)")
	}
	return tf.AccessToken, nil
}

// ---- grpc dial ----

type bearerCreds struct {
	token  string
	secure bool
}

func (b bearerCreds) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}
func (b bearerCreds) RequireTransportSecurity() bool { return b.secure }

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

type connOpts struct {
	addr       string
	caPath     string
	skipVerify bool
	plaintext  bool
	timeout    time.Duration
}

func dial(o connOpts, bearer string) (*grpc.ClientConn, error) {
	var (
		creds credentials.TransportCredentials
		err   error
	)
	if o.plaintext {
		creds = insecure.NewCredentials()
	} else if creds, err = loadTLS(o.caPath, o.skipVerify); err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithUserAgent("consentctl/" + version),
	}
	if bearer != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(bearerCreds{token: bearer, secure: !o.plaintext}))
	}
	return grpc.NewClient(o.addr, opts...)
}

// ---- utils ----

func readAll(in io.Reader, p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(in)
	}
	return os.ReadFile(p)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe renders gRPC status errors as "Code: message".
func describe(err error) error {
	if st, ok := status.FromError(err); ok {
		return fmt.Errorf("%s: %s", st.Code(), st.Message())
	}
	return err
}

// ---- main ----

func main() {
	a := &app{}
	if err := a.rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// connect dials the server with the stored token.
func (a *app) connect() (consentAPI, func(), error) {
	tok, err := loadToken()
	if err != nil {
		return nil, nil, err
	}
	cc, err := dial(a.conn, tok)
	if err != nil {
		return nil, nil, err
	}
	return grpcserver.NewClient(cc), func() { _ = cc.Close() }, nil
}
