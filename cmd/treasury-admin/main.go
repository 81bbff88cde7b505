// Command treasury-admin is a small operational CLI for the national
// treasury core: seeding a fresh store, granting fund_director scopes,
// and verifying ledger balances against the replayed transaction log.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"treasury"
)

// Process exit codes, mapped from the error kind exitCodeFor sees.
const (
	exitOK = 0
	exitBadArgs = 2
	exitDataIntegrity = 3
	exitAuthorization = 4
)

var dbPath string

func main() {
	root := &cobra.Command{
		Use: "treasury-admin",
		Short: "Operational CLI for the national treasury core",
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "treasury.db", "path to the bbolt database")

	root.AddCommand(seedCmd(), grantCmd(), verifyBalancesCmd())

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func openEngine() (*treasury.Engine, error) {
	cfg := treasury.DefaultConfig()
	cfg.DBPath = dbPath
	return treasury.NewEngine(cfg)
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use: "seed",
		Short: "Populate a fresh store with the national fund, church, and provider roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			if err := treasury.Seed(e); err != nil {
				return err
			}
			fmt.Println("seed complete")
			return nil
		},
	}
}

func grantCmd() *cobra.Command {
	var principalID, fundID, churchID string
	cmd := &cobra.Command{
		Use: "grant",
		Short: "Grant a fund_director's scope over a fund and/or church",
		RunE: func(cmd *cobra.Command, args []string) error {
			if principalID == "" {
				return &argError{msg: "--principal is required"}
			}
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			assignment, err := e.GrantFundDirector(principalID, fundID, churchID)
			if err != nil {
				return err
			}
			fmt.Printf("granted assignment %s\n", assignment.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&principalID, "principal", "", "fund_director principal id")
	cmd.Flags().StringVar(&fundID, "fund", "", "fund id (empty means all funds)")
	cmd.Flags().StringVar(&churchID, "church", "", "church id (empty means all churches)")
	return cmd
}

func verifyBalancesCmd() *cobra.Command {
	return &cobra.Command{
		Use: "verify-balances",
		Short: "Replay the fund transaction log and report any cached-balance drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			mismatches, err := e.VerifyBalances()
			if err != nil {
				return err
			}
			if len(mismatches) == 0 {
				fmt.Println("all fund balances match their replayed transaction log")
				return nil
			}
			for _, m := range mismatches {
				fmt.Printf("fund %s (%s): cached=%d replayed=%d\n", m.FundCode, m.FundID, m.CachedBalance, m.ReplayedBalance)
			}
			return &integrityError{count: len(mismatches)}
		},
	}
}

// argError maps to exit code 2 (bad arguments).
type argError struct{ msg string }

func (e *argError) Error() string { return e.msg }

// integrityError maps to exit code 3 (data integrity violation).
type integrityError struct{ count int }

func (e *integrityError) Error() string { return fmt.Sprintf("%d fund balance mismatches found", e.count) }

func exitCodeFor(err error) int {
	fmt.Fprintln(os.Stderr, err)

	var argErr *argError
	var integrityErr *integrityError
	switch {
	case errors.As(err, &argErr):
		return exitBadArgs
	case errors.As(err, &integrityErr):
		return exitDataIntegrity
	case treasury.IsKind(err, treasury.KindForbidden), treasury.IsKind(err, treasury.KindNotAuthenticated), treasury.IsKind(err, treasury.KindOutOfScope):
		return exitAuthorization
	default:
		return exitBadArgs
	}
}

var _ = exitOK
