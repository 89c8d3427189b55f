/*
   hkpstore - OpenPGP key store and refresh engine
   Copyright (C) 2024  hkpstore contributors

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// hkpstore is the operator front end to the key store: open stores,
// add bindings, import and export TPKs, tail the log, dump packets,
// and run the refresh loop standalone.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"hkpstore/internal/config"
	"hkpstore/internal/dump"
	"hkpstore/internal/hlog"
	hpgp "hkpstore/internal/openpgp"
	"hkpstore/internal/policy"
	"hkpstore/internal/scheduler"
	"hkpstore/internal/storage"
	"hkpstore/internal/store"
	"hkpstore/internal/timeid"
)

var (
	configPath string
	realm      string
	storeName  string
	policyName string
)

func main() {
	root := &cobra.Command{
		Use:           "hkpstore",
		Short:         "OpenPGP key store and refresh engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	root.PersistentFlags().StringVar(&realm, "realm", "org.hkpstore", "store realm")
	root.PersistentFlags().StringVar(&storeName, "store", "default", "store name")
	root.PersistentFlags().StringVar(&policyName, "policy", "", "network policy ceiling (offline, anonymized, encrypted, insecure)")

	root.AddCommand(addCmd(), importCmd(), exportCmd(), logCmd(), listCmd(), deleteCmd(), refreshCmd(), dumpCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "hkpstore:", err)
		os.Exit(1)
	}
}

type env struct {
	cfg config.Config
	db  *storage.DB
	srv *store.Server
	log *hlog.Writer
}

func openEnv() (*env, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Home, 0700); err != nil {
		return nil, err
	}
	entry := logrus.NewEntry(logrus.StandardLogger())
	db, err := storage.Open(cfg.DatabasePath(), entry)
	if err != nil {
		return nil, err
	}
	logw := hlog.New(db, entry)
	srv, err := store.NewServer(db, logw, entry, 128)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &env{cfg: cfg, db: db, srv: srv, log: logw}, nil
}

func (e *env) close() { e.db.Close() }

func (e *env) policy() (policy.Policy, error) {
	name := policyName
	if name == "" {
		name = e.cfg.DefaultNetworkPolicy
	}
	switch name {
	case "offline":
		return policy.Offline, nil
	case "anonymized":
		return policy.Anonymized, nil
	case "encrypted":
		return policy.Encrypted, nil
	case "insecure":
		return policy.Insecure, nil
	}
	return 0, fmt.Errorf("unknown network policy %q", name)
}

func (e *env) openStore() (*store.Store, error) {
	p, err := e.policy()
	if err != nil {
		return nil, err
	}
	return e.srv.Open(realm, p, storeName)
}

func addCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add LABEL FINGERPRINT",
		Short: "Bind a label to a key fingerprint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()
			s, err := e.openStore()
			if err != nil {
				return err
			}
			b, err := s.Add(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Printf("bound %q\n", b.Label())
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	var label string
	var force bool
	cmd := &cobra.Command{
		Use:   "import [FILE]",
		Short: "Import a TPK from a file or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args)
			if err != nil {
				return err
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if label == "" {
				key, err := e.srv.Import(data)
				if err != nil {
					return err
				}
				fmt.Println("imported", key.Fingerprint())
				return nil
			}

			s, err := e.openStore()
			if err != nil {
				return err
			}
			b, err := s.GetBinding(label)
			if err != nil {
				return err
			}
			key, err := b.Import(data, force)
			if err != nil {
				return err
			}
			fmt.Println("imported", key.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "import into this binding instead of the bare key store")
	cmd.Flags().BoolVar(&force, "force", false, "rebind the label if the TPK's fingerprint differs")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tpk FINGERPRINT",
		Short: "Write a stored TPK blob to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()
			key, err := e.srv.LookupByFingerprint(args[0])
			if err != nil {
				return err
			}
			if len(key.TPK()) == 0 {
				return fmt.Errorf("key %s has no stored blob yet", args[0])
			}
			_, err = os.Stdout.Write(key.TPK())
			return err
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List bindings in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()
			s, err := e.openStore()
			if err != nil {
				return err
			}
			after := timeid.NullID
			for {
				bindings, err := s.IterBindings(after, 64)
				if err != nil {
					return err
				}
				if len(bindings) == 0 {
					return nil
				}
				for _, b := range bindings {
					key, err := b.Key()
					if err != nil {
						return err
					}
					line := fmt.Sprintf("%s\t%s", b.Label(), key.Fingerprint())
					if len(key.TPK()) > 0 {
						if entity, err := hpgp.ParseTPK(key.TPK()); err == nil {
							d := hpgp.DigestOf(entity)
							line += fmt.Sprintf("\t%s\t%d subkeys", d.PrimaryUserID, d.SubkeyCount)
						}
					}
					fmt.Println(line)
					after = b.ID()
				}
			}
		},
	}
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "Print the store's log entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()
			s, err := e.openStore()
			if err != nil {
				return err
			}
			after := timeid.NullID
			for {
				entries, err := s.Log(after, 64)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					return nil
				}
				for _, entry := range entries {
					line := fmt.Sprintf("%s %-5s %s: %s",
						entry.Timestamp.Time().Format("2006-01-02 15:04:05"),
						entry.Level, entry.Slug, entry.Message)
					if entry.Error != nil {
						line += ": " + *entry.Error
					}
					fmt.Println(line)
					after = entry.ID
				}
			}
		},
	}
}

func deleteCmd() *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete the store, or a single binding with --label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()
			s, err := e.openStore()
			if err != nil {
				return err
			}
			if label != "" {
				b, err := s.GetBinding(label)
				if err != nil {
					return err
				}
				return b.Delete()
			}
			return s.Delete()
		},
	}
	cmd.Flags().StringVar(&label, "label", "", "delete only this binding")
	return cmd
}

func refreshCmd() *cobra.Command {
	var serverAddr string
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run the background refresh loop until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			client, err := newHKPClient(serverAddr)
			if err != nil {
				return err
			}
			if err := reportEligibility(e.srv); err != nil {
				return err
			}
			sched := scheduler.New(e.srv, client, e.log,
				e.cfg.MinSleep.Duration, e.cfg.RefreshInterval.Duration)
			sched.Start()

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return sched.Stop()
		},
	}
	cmd.Flags().StringVar(&serverAddr, "keyserver", "https://keys.openpgp.org", "keyserver base URL")
	return cmd
}

func dumpCmd() *cobra.Command {
	var width int
	cmd := &cobra.Command{
		Use:   "dump [FILE]",
		Short: "Render a TPK's packet stream as a tree",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args)
			if err != nil {
				return err
			}
			return dump.New(os.Stdout, width).Dump(data)
		},
	}
	cmd.Flags().IntVar(&width, "width", 80, "terminal width for hex alignment")
	return cmd
}

// reportEligibility logs how many stores the refresh loop will cover,
// so an operator watching an offline-only database understands why the
// loop never fetches.
func reportEligibility(srv *store.Server) error {
	total, eligible := 0, 0
	after := timeid.NullID
	for {
		page, err := srv.IterStores("", after, 64)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, s := range page {
			total++
			if policy.EligibleForRefresh(s.Policy()) {
				eligible++
			}
			after = s.ID()
		}
	}
	logrus.WithFields(logrus.Fields{"eligible": eligible, "total": total}).
		Info("stores covered by the refresh loop")
	return nil
}

func readInput(args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		return ioutil.ReadFile(args[0])
	}
	return ioutil.ReadAll(os.Stdin)
}
