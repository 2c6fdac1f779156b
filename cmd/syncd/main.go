package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/quillmail/syncd/internal/config"
	"github.com/quillmail/syncd/internal/credential"
	"github.com/quillmail/syncd/internal/crypto"
	"github.com/quillmail/syncd/internal/models"
	"github.com/quillmail/syncd/internal/notify"
	"github.com/quillmail/syncd/internal/store"
	"github.com/quillmail/syncd/internal/sync"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if level, err := logrus.ParseLevel(os.Getenv("QUILLMAIL_LOG_LEVEL")); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)

	cfg, err := config.NewConfig()
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}

	ctx := context.Background()
	pool, err := store.NewConnection(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer store.CloseConnection(pool)

	encryptor, err := crypto.NewEncryptor(cfg.EncryptionKeyBase64)
	if err != nil {
		log.WithError(err).Fatal("failed to create encryptor")
	}

	if len(os.Args) > 1 {
		runCommand(ctx, log, pool, encryptor, os.Args[1], os.Args[2:])
		return
	}

	runDaemon(log, cfg, pool, encryptor)
}

// runDaemon runs the sync scheduler and the notification server until
// SIGINT or SIGTERM.
func runDaemon(log *logrus.Entry, cfg *config.Config, pool *pgxpool.Pool, encryptor *crypto.Encryptor) {
	resolver := credential.NewResolver(encryptor)
	hub := notify.NewHub(log.WithField("component", "notify"), 10)
	scheduler := sync.NewScheduler(pool, resolver, hub, log, cfg.IdleTimeout, cfg.PollInterval, nil)
	server := notify.NewServer(cfg.NotifyListenAddr, hub, scheduler, log.WithField("component", "notify"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.WithField("addr", cfg.NotifyListenAddr).Info("notification server listening")
		if err := server.ListenAndServe(); err != nil {
			log.WithError(err).Error("notification server failed")
			stop()
		}
	}()

	log.WithField("environment", cfg.Environment).Info("sync daemon starting")
	_ = scheduler.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("notification server shutdown failed")
	}
	log.Info("sync daemon stopped")
}

func runCommand(ctx context.Context, log *logrus.Entry, pool *pgxpool.Pool, encryptor *crypto.Encryptor, cmd string, args []string) {
	switch cmd {
	case "add-account":
		addAccount(ctx, log, pool, encryptor, args)
	case "remove-account":
		removeAccount(ctx, log, pool, args)
	case "list-accounts":
		listAccounts(ctx, log, pool)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q; commands: add-account, remove-account, list-accounts\n", cmd)
		os.Exit(2)
	}
}

func addAccount(ctx context.Context, log *logrus.Entry, pool *pgxpool.Pool, encryptor *crypto.Encryptor, args []string) {
	fs := flag.NewFlagSet("add-account", flag.ExitOnError)
	name := fs.String("name", "", "display name")
	host := fs.String("host", "", "IMAP host")
	port := fs.Int("port", 993, "IMAP port")
	security := fs.String("security", "tls", "transport security: none, tls, starttls")
	authMode := fs.String("auth", "plain", "auth mode: plain, oauth2, none")
	username := fs.String("username", "", "login username")
	password := fs.String("password", "", "password or oauth token (stored encrypted)")
	keyringKey := fs.String("keyring", "", "store the secret in the system keyring under this key instead")
	_ = fs.Parse(args)

	if *host == "" || *username == "" {
		fs.Usage()
		os.Exit(2)
	}

	account := &models.Account{
		ID:          uuid.NewString(),
		Name:        *name,
		Host:        *host,
		Port:        *port,
		Security:    models.Security(*security),
		AuthMode:    models.AuthMode(*authMode),
		Username:    *username,
		IsGmail:     strings.HasSuffix(*host, "gmail.com") || strings.HasSuffix(*host, "googlemail.com"),
		UnlinkPhase: 1,
	}
	if account.Name == "" {
		account.Name = *username
	}

	if *keyringKey != "" {
		resolver := credential.NewResolver(encryptor)
		ref, err := resolver.Store(*keyringKey, *password)
		if err != nil {
			log.WithError(err).Fatal("failed to store secret in keyring")
		}
		account.CredentialRef = ref
	} else {
		encrypted, err := encryptor.Encrypt(*password)
		if err != nil {
			log.WithError(err).Fatal("failed to encrypt password")
		}
		account.EncryptedPassword = encrypted
	}

	if err := store.SaveAccount(ctx, pool, account); err != nil {
		log.WithError(err).Fatal("failed to save account")
	}
	fmt.Println(account.ID)
}

func removeAccount(ctx context.Context, log *logrus.Entry, pool *pgxpool.Pool, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: remove-account <account-id>")
		os.Exit(2)
	}
	if err := store.DeleteAccount(ctx, pool, args[0]); err != nil {
		log.WithError(err).Fatal("failed to delete account")
	}
}

func listAccounts(ctx context.Context, log *logrus.Entry, pool *pgxpool.Pool) {
	accounts, err := store.ListAccounts(ctx, pool)
	if err != nil {
		log.WithError(err).Fatal("failed to list accounts")
	}
	for _, a := range accounts {
		fmt.Printf("%s\t%s\t%s@%s:%d\n", a.ID, a.Name, a.Username, a.Host, a.Port)
	}
}
