package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/consent-keeper/internal/convert"
	"github.com/and161185/consent-keeper/internal/model"
	grpcserver "github.com/and161185/consent-keeper/internal/server/grpc"
)

// consentAPI is the subset of grpcserver.Client the commands use.
type consentAPI interface {
	RequestConsent(ctx context.Context, in model.ConsentIntent) (*model.ConsentRequest, error)
	RetryInit(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error)
	GetConsentStatus(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error)
	RevokeConsent(ctx context.Context, id uuid.UUID, reason string) (*model.ConsentRequest, error)
	ListActiveConsents(ctx context.Context, patientID string) ([]model.ConsentRequest, error)
	GetAuditTrail(ctx context.Context, id uuid.UUID) (*structpb.Struct, error)
}

var _ consentAPI = (*grpcserver.Client)(nil)

type app struct {
	conn connOpts
	// open overrides connect in tests.
	open func() (consentAPI, func(), error)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "consentctl",
		Short:        "Operate consent requests over gRPC",
		Version:      fmt.Sprintf("%s (%s)", version, buildDate),
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.conn.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&a.conn.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&a.conn.skipVerify, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&a.conn.plaintext, "plaintext", false, "no TLS (dev server only)")
	pf.DurationVar(&a.conn.timeout, "timeout", 30*time.Second, "per-call timeout")

	root.AddCommand(
		a.tokenCmd(),
		a.requestCmd(),
		a.retryCmd(),
		a.statusCmd(),
		a.listCmd(),
		a.revokeCmd(),
		a.auditCmd(),
	)
	return root
}

// call opens a client, bounds ctx by the timeout and runs fn.
func (a *app) call(cmd *cobra.Command, fn func(ctx context.Context, api consentAPI) error) error {
	open := a.open
	if open == nil {
		open = a.connect
	}
	api, closeFn, err := open()
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(cmd.Context(), a.conn.timeout)
	defer cancel()
	return fn(ctx, api)
}

func printRequest(cmd *cobra.Command, r *model.ConsentRequest) error {
	s, err := convert.RequestToStruct(r)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), s.AsMap())
}

func idArg(args []string) (uuid.UUID, error) {
	id, err := uuid.FromString(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("bad id %q: %w", args[0], err)
	}
	return id, nil
}

func (a *app) tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Manage the stored bearer token"}

	var (
		key, actor, role string
		ttl              time.Duration
		show             bool
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign a caller token with the server key and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = os.Getenv("CONSENT_JWT_KEY")
			}
			tok, err := grpcserver.IssueToken([]byte(key), model.Actor{ID: actor, Type: model.ActorType(role)}, ttl)
			if err != nil {
				return err
			}
			if err := saveToken(tok, time.Now().Add(ttl)); err != nil {
				return err
			}
			if show {
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "token for %s (%s) saved to %s\n", actor, role, tokenPath())
			return nil
		},
	}
	issue.Flags().StringVar(&key, "key", "", "HS256 key (default $CONSENT_JWT_KEY)")
	issue.Flags().StringVar(&actor, "actor", "", "actor id, e.g. clinician id")
	issue.Flags().StringVar(&role, "role", string(model.ActorClinician), "clinician, patient or system")
	issue.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	issue.Flags().BoolVar(&show, "print", false, "also print the token")
	_ = issue.MarkFlagRequired("actor")

	cmd.AddCommand(issue)
	return cmd
}

func (a *app) requestCmd() *cobra.Command {
	var file, clinician string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Create a consent request from a JSON intent (-f file, - for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readAll(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			in, err := parseIntent(raw)
			if err != nil {
				return err
			}
			if clinician != "" {
				in.ClinicianID = clinician
			}
			return a.call(cmd, func(ctx context.Context, api consentAPI) error {
				req, err := api.RequestConsent(ctx, in)
				if err != nil {
					if req != nil {
						fmt.Fprintf(cmd.ErrOrStderr(), "request %s saved but not sent; retry with: consentctl retry %s\n", req.ID, req.ID)
					}
					return describe(err)
				}
				return printRequest(cmd, req)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "intent JSON")
	cmd.Flags().StringVar(&clinician, "clinician", "", "override clinicianId")
	return cmd
}

// parseIntent accepts the same document the RequestConsent RPC takes.
func parseIntent(raw []byte) (model.ConsentIntent, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.ConsentIntent{}, fmt.Errorf("intent: %w", err)
	}
	if doc == nil {
		return model.ConsentIntent{}, errors.New("intent: empty document")
	}
	s, err := convert.Struct(doc)
	if err != nil {
		return model.ConsentIntent{}, fmt.Errorf("intent: %w", err)
	}
	return convert.IntentFromStruct(s)
}

func (a *app) byIDCmd(use, short string, op func(ctx context.Context, api consentAPI, id uuid.UUID) (*model.ConsentRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args)
			if err != nil {
				return err
			}
			return a.call(cmd, func(ctx context.Context, api consentAPI) error {
				req, err := op(ctx, api, id)
				if err != nil {
					return describe(err)
				}
				return printRequest(cmd, req)
			})
		},
	}
}

func (a *app) retryCmd() *cobra.Command {
	return a.byIDCmd("retry", "Re-send the gateway init call", func(ctx context.Context, api consentAPI, id uuid.UUID) (*model.ConsentRequest, error) {
		return api.RetryInit(ctx, id)
	})
}

func (a *app) statusCmd() *cobra.Command {
	return a.byIDCmd("status", "Show a request and its artifacts", func(ctx context.Context, api consentAPI, id uuid.UUID) (*model.ConsentRequest, error) {
		return api.GetConsentStatus(ctx, id)
	})
}

func (a *app) revokeCmd() *cobra.Command {
	var reason string
	cmd := a.byIDCmd("revoke", "Revoke a granted request", func(ctx context.Context, api consentAPI, id uuid.UUID) (*model.ConsentRequest, error) {
		return api.RevokeConsent(ctx, id, reason)
	})
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func (a *app) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <patient-id>",
		Short: "List a patient's active consents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, func(ctx context.Context, api consentAPI) error {
				reqs, err := api.ListActiveConsents(ctx, args[0])
				if err != nil {
					return describe(err)
				}
				s, err := convert.RequestsToStruct(reqs)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), s.AsMap())
			})
		},
	}
}

func (a *app) auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <request-id>",
		Short: "Show the audit trail and whether its hash chain verifies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := idArg(args)
			if err != nil {
				return err
			}
			return a.call(cmd, func(ctx context.Context, api consentAPI) error {
				tr, err := api.GetAuditTrail(ctx, id)
				if err != nil {
					return describe(err)
				}
				return printJSON(cmd.OutOrStdout(), tr.AsMap())
			})
		},
	}
}
