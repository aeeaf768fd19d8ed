package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/saltcore/master/internal/keystore"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Administer the minion public key store",
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List minion keys by state (accepted, pending, rejected, denied)",
	RunE:  runKeyList,
}

var keyAcceptCmd = &cobra.Command{
	Use:   "accept <minion-id>",
	Short: "Accept a pending minion key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyAccept,
}

var keyRejectCmd = &cobra.Command{
	Use:   "reject <minion-id>",
	Short: "Reject a pending minion key",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyReject,
}

var keyDeleteCmd = &cobra.Command{
	Use:   "delete <minion-id>",
	Short: "Delete a minion key from every state",
	Args:  cobra.ExactArgs(1),
	RunE:  runKeyDelete,
}

var keyStateFlag string

func init() {
	keyListCmd.Flags().StringVar(&keyStateFlag, "state", "accepted", "accepted|pending|rejected|denied")
	keyCmd.AddCommand(keyListCmd, keyAcceptCmd, keyRejectCmd, keyDeleteCmd)
	rootCmd.AddCommand(keyCmd)
}

func openStore() (*keystore.Store, error) {
	loader := masterconfigLoader()
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	return keystore.Open(cfg.PKIDir)
}

func parseState(s string) (keystore.State, error) {
	switch s {
	case "accepted":
		return keystore.Accepted, nil
	case "pending":
		return keystore.Pending, nil
	case "rejected":
		return keystore.Rejected, nil
	case "denied":
		return keystore.Denied, nil
	default:
		return 0, fmt.Errorf("unknown key state %q", s)
	}
}

func runKeyList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		printError(err.Error())
		return err
	}
	state, err := parseState(keyStateFlag)
	if err != nil {
		printError(err.Error())
		return err
	}
	ids, err := store.List(state)
	if err != nil {
		printError(err.Error())
		return err
	}
	printHeader(fmt.Sprintf("%s keys", keyStateFlag))
	if len(ids) == 0 {
		fmt.Println("(none)")
		return nil
	}
	rows := make([][]string, len(ids))
	for i, id := range ids {
		rows[i] = []string{id}
	}
	printTable([]string{"MINION ID"}, rows)
	return nil
}

func runKeyAccept(cmd *cobra.Command, args []string) error {
	id := args[0]
	store, err := openStore()
	if err != nil {
		printError(err.Error())
		return err
	}
	if err := store.Move(id, keystore.Pending, keystore.Accepted); err != nil {
		printError(fmt.Sprintf("accept %s: %v", id, err))
		return err
	}
	printSuccess(fmt.Sprintf("accepted %s", id))
	return nil
}

func runKeyReject(cmd *cobra.Command, args []string) error {
	id := args[0]
	store, err := openStore()
	if err != nil {
		printError(err.Error())
		return err
	}
	if err := store.Move(id, keystore.Pending, keystore.Rejected); err != nil {
		printError(fmt.Sprintf("reject %s: %v", id, err))
		return err
	}
	printWarning(fmt.Sprintf("rejected %s", id))
	return nil
}

func runKeyDelete(cmd *cobra.Command, args []string) error {
	id := args[0]
	store, err := openStore()
	if err != nil {
		printError(err.Error())
		return err
	}
	removed := false
	for _, st := range []keystore.State{keystore.Accepted, keystore.Pending, keystore.Rejected, keystore.Denied} {
		if ok, err := store.Exists(id, st); err == nil && ok {
			if err := store.Remove(id, st); err != nil {
				printError(fmt.Sprintf("delete %s: %v", id, err))
				return err
			}
			removed = true
		}
	}
	if !removed {
		printWarning(fmt.Sprintf("no key found for %s", id))
		return nil
	}
	printSuccess(fmt.Sprintf("deleted %s", id))
	return nil
}
