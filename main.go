package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"tradersdesk/internal/auth"
	"tradersdesk/internal/config"
	"tradersdesk/internal/server"
	"tradersdesk/internal/util"
)

var version = "dev"

const usage = `Usage:
  tradersdesk [-config config.yaml]   run the admin server
  tradersdesk hash-password           read a password from stdin, print its hash
  tradersdesk recovery-key            print a new recovery key and its hash
`

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	switch cmd := flag.Arg(0); cmd {
	case "":
	case "hash-password":
		if err := hashPassword(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "hash-password:", err)
			os.Exit(1)
		}
		return
	case "recovery-key":
		if err := recoveryKey(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "recovery-key:", err)
			os.Exit(1)
		}
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	util.Init(cfg.Server.Environment, cfg.Log.Level, cfg.Log.Format)
	defer util.Sync()

	util.Info("=== Tradersdesk Admin ===",
		util.String("version", version),
		util.String("environment", cfg.Server.Environment),
		util.Bool("ldap", cfg.LDAP.Enabled),
		util.Bool("redis_cache", cfg.Redis.URL != ""))

	if err := server.Start(cfg, version); err != nil {
		util.Fatal("Server error", util.ErrorField(err))
	}
}

// hashPassword reads one line and prints an argon2id hash suitable for
// admin.password_hash.
func hashPassword(in io.Reader, out io.Writer) error {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if err := auth.CheckNewPassword(password, password, auth.DefaultMinPasswordLength); err != nil {
		return err
	}
	hash, err := auth.NewHasher(auth.DefaultArgon2Params).Hash(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, hash)
	return err
}

func recoveryKey(out io.Writer) error {
	key, hash, err := auth.GenerateRecoveryKey(auth.NewHasher(auth.DefaultArgon2Params))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "recovery key:      %s\nrecovery_key_hash: %s\n", key, hash)
	return err
}
