package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/jeremyhahn/go-bioseal/pkg/api"
	"github.com/jeremyhahn/go-bioseal/pkg/session"
)

// errNotSucceeded is returned when an attempt ends without a match.
var errNotSucceeded = errors.New("attempt did not succeed")

func init() {
	rootCmd.AddCommand(stateCmd, authCmd, encodeCmd, decodeCmd, forgetCmd)

	for _, cmd := range []*cobra.Command{encodeCmd, decodeCmd, forgetCmd} {
		cmd.Flags().StringP("alias", "a", "bioseal",
			"Key alias")
	}
	for _, cmd := range []*cobra.Command{encodeCmd, decodeCmd} {
		cmd.Flags().StringP("algorithm", "g", string(api.AlgorithmAES),
			"Cipher: aes (sensor gated both ways) or rsa (sensor gated on decode)")
	}
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Report whether the sensor is ready to use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			o := a.svc.SensorState()
			fmt.Fprintf(cmd.OutOrStdout(), "supported: %t\nstate: %s\n%s\n",
				a.svc.IsSupported(), o.State(), o.Message())
			if !a.svc.IsReadyToUse() {
				return errNotSucceeded
			}
			return nil
		})
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Wait for a biometric match without using a key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return await(ctx, cmd.OutOrStdout(), a.svc, a.svc.Authenticate(nil))
		})
	},
}

var encodeCmd = &cobra.Command{
	Use:   "encode <text>",
	Short: "Seal text under a key alias",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCipher(cmd, args, (*api.Service).Encode)
	},
}

var decodeCmd = &cobra.Command{
	Use:   "decode <payload>",
	Short: "Unseal a payload produced by encode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCipher(cmd, args, (*api.Service).Decode)
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Delete the key stored under an alias",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		alias, _ := cmd.Flags().GetString("alias")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.vault.DeleteKey(alias); err != nil {
				return err
			}
			jww.INFO.Printf("Deleted key %q", alias)
			return nil
		})
	},
}

type cipherOp func(s *api.Service, text, alias string, alg api.Algorithm, cb session.Callback) *session.Pending

func runCipher(cmd *cobra.Command, args []string, op cipherOp) error {
	alias, _ := cmd.Flags().GetString("alias")
	alg, _ := cmd.Flags().GetString("algorithm")
	text := args[0]
	return withApp(cmd, func(ctx context.Context, a *app) error {
		return await(ctx, cmd.OutOrStdout(), a.svc, op(a.svc, text, alias, api.Algorithm(alg), nil))
	})
}

// withApp wires the service and cancels an attempt in flight on SIGINT or
// SIGTERM.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, loadConfig())
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			jww.ERROR.Printf("Failed to close key store: %v", cerr)
		}
	}()
	return fn(ctx, a)
}

// await prints the outcome of p. A signal cancels the attempt, which then
// resolves with a user-canceled sensor error.
func await(ctx context.Context, out io.Writer, svc *api.Service, p *session.Pending) error {
	go func() {
		select {
		case <-ctx.Done():
			svc.CancelAuth(func() { jww.INFO.Printf("Authentication canceled") })
		case <-p.Done():
		}
	}()

	o, err := p.Wait(context.Background())
	if err != nil {
		return err
	}
	return report(out, o)
}

func report(out io.Writer, o session.Outcome) error {
	switch v := o.(type) {
	case session.Success:
		fmt.Fprintln(out, v.Data)
		return nil
	case session.Exception:
		if session.IsKeyInvalidated(o) {
			jww.WARN.Printf("The key was invalidated by an enrollment change and has been deleted; seal the data again")
		}
		return v.Err
	case session.SensorError:
		if v.CanceledByUser {
			return fmt.Errorf("%w: canceled", errNotSucceeded)
		}
		return fmt.Errorf("%w: sensor error %d: %s", errNotSucceeded, v.Code, v.Text)
	default:
		return fmt.Errorf("%w: %s: %s", errNotSucceeded, o.State(), o.Message())
	}
}
