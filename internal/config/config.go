package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirdeggen/p2m/internal/core/application"
	"github.com/sirdeggen/p2m/internal/core/ports"
	alertsmanager "github.com/sirdeggen/p2m/internal/infrastructure/alertsmanager"
	"github.com/sirdeggen/p2m/internal/infrastructure/cosigner"
	"github.com/sirdeggen/p2m/internal/infrastructure/db"
	inmemorylivestore "github.com/sirdeggen/p2m/internal/infrastructure/live-store/inmemory"
	redislivestore "github.com/sirdeggen/p2m/internal/infrastructure/live-store/redis"
	proofservice "github.com/sirdeggen/p2m/internal/infrastructure/proof"
	inmemoryrelay "github.com/sirdeggen/p2m/internal/infrastructure/relay/inmemory"
	messageboxrelay "github.com/sirdeggen/p2m/internal/infrastructure/relay/messagebox"
	nostrrelay "github.com/sirdeggen/p2m/internal/infrastructure/relay/nostr"
	redisrelay "github.com/sirdeggen/p2m/internal/infrastructure/relay/redis"
	timescheduler "github.com/sirdeggen/p2m/internal/infrastructure/scheduler/gocron"
	txbuilder "github.com/sirdeggen/p2m/internal/infrastructure/tx-builder/transfer"
	inmemorywallet "github.com/sirdeggen/p2m/internal/infrastructure/wallet/inmemory"
	remotewallet "github.com/sirdeggen/p2m/internal/infrastructure/wallet/remote"
	"github.com/sirdeggen/p2m/pkg/beef"
	"github.com/sirdeggen/p2m/pkg/fees"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	supportedDbs = supportedType{
		"badger":   {},
		"sqlite":   {},
		"postgres": {},
	}
	supportedWallets = supportedType{
		"remote":   {},
		"inmemory": {},
	}
	supportedRelays = supportedType{
		"messagebox": {},
		"redis":      {},
		"nostr":      {},
		"inmemory":   {},
	}
	supportedLiveStores = supportedType{
		"inmemory": {},
		"redis":    {},
	}
)

type Config struct {
	Datadir  string
	LogLevel int

	DbType string
	DbDir  string
	DbUrl  string

	WalletType   string
	WalletUrl    string
	WalletOrigin string
	WalletSeed   string

	RelayType           string
	RelayUrl            string
	RelayAuthToken      string
	RedisUrl            string
	RedisTxNumOfRetries int
	NostrRelays         []string
	NostrKey            string
	LiveStoreType       string

	CosignerUrl       string
	CosignerAuthToken string
	ProofUrl          string
	ProofAuthToken    string
	ChainTrackerUrl   string

	TokenId    string
	FeeAddress string
	FeeTiers   string
	Basket     string
	MessageBox string

	HttpTimeout       time.Duration
	ReconcileInterval time.Duration
	StalePaymentAfter time.Duration

	AlertManagerURL string
	ExplorerURL     string

	repo         ports.RepoManager
	svc          application.Service
	wallet       ports.WalletService
	relay        ports.RelayService
	proofs       ports.ProofService
	chainTracker beef.ChainTracker
	cosigner     ports.CosignerService
	txBuilder    ports.TxBuilder
	scheduler    ports.SchedulerService
	liveStore    ports.LiveStore
	alerts       ports.Alerts
}

func (c *Config) String() string {
	clone := *c
	for _, secret := range []*string{
		&clone.WalletSeed, &clone.RelayAuthToken, &clone.NostrKey,
		&clone.CosignerAuthToken, &clone.ProofAuthToken,
	} {
		if *secret != "" {
			*secret = "••••••"
		}
	}
	clone.DbUrl = maskUrl(clone.DbUrl)
	clone.RedisUrl = maskUrl(clone.RedisUrl)

	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir             = btcutil.AppDataDir("p2m", false)
	defaultLogLevel            = 4
	defaultDbType              = "badger"
	defaultWalletType          = "remote"
	defaultWalletUrl           = "http://localhost:3321"
	defaultWalletOrigin        = "p2m"
	defaultRelayType           = "messagebox"
	defaultRelayUrl            = "https://message-box-us-1.bsvb.tech"
	defaultLiveStoreType       = "inmemory"
	defaultRedisTxNumOfRetries = 10
	defaultCosignerUrl         = "https://proxy-api.mnee.net"
	defaultProofUrl            = "https://proxy-api.mnee.net"
	defaultTokenId             = "ae59f3b898ec61acbdb6cc7a245fabeded0c094bf046f35206a3aec60ef88127_0"
	defaultFeeAddress          = "1inHbiwj2jrEcZPiSYnfgJ8FmS1Bmk4Dh"
	defaultHttpTimeout         = 30 * time.Second
	claimTTLSteps              = 4
	defaultReconcileInterval   = time.Minute
	defaultStalePaymentAfter   = 10 * time.Minute
)

// env returns a list of strings prefixed with `P2M_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("P2M_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	DbType = &cli.StringFlag{
		Usage: "Database type (badger, sqlite, postgres)",
		Name:  "db-type", EnvVars: env("DB_TYPE"),
		Value: defaultDbType,
	}

	DbUrl = &cli.StringFlag{
		Usage: "Postgres connection url if P2M_DB_TYPE is set to postgres",
		Name:  "pg-dsn", EnvVars: env("PG_DSN"),
	}

	WalletType = &cli.StringFlag{
		Usage: "Wallet type (remote, inmemory)",
		Name:  "wallet-type", EnvVars: env("WALLET_TYPE"),
		Value: defaultWalletType,
	}

	WalletUrl = &cli.StringFlag{
		Usage: "Url of the remote wallet",
		Name:  "wallet-url", EnvVars: env("WALLET_URL"),
		Value: defaultWalletUrl,
	}

	WalletOrigin = &cli.StringFlag{
		Usage: "Originator announced to the remote wallet",
		Name:  "wallet-origin", EnvVars: env("WALLET_ORIGIN"),
		Value: defaultWalletOrigin,
	}

	WalletSeed = &cli.StringFlag{
		Usage: "Hex root private key of the inmemory wallet, random if unset",
		Name:  "wallet-seed", EnvVars: env("WALLET_SEED"),
	}

	RelayType = &cli.StringFlag{
		Usage: "Message relay type (messagebox, redis, nostr, inmemory)",
		Name:  "relay-type", EnvVars: env("RELAY_TYPE"),
		Value: defaultRelayType,
	}

	RelayUrl = &cli.StringFlag{
		Usage: "Url of the message box server",
		Name:  "relay-url", EnvVars: env("RELAY_URL"),
		Value: defaultRelayUrl,
	}

	RelayAuthToken = &cli.StringFlag{
		Usage: "Auth token of the message box server",
		Name:  "relay-auth-token", EnvVars: env("RELAY_AUTH_TOKEN"),
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis url if the relay or the live store type is redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	RedisTxNumOfRetries = &cli.IntFlag{
		Usage: "Maximum number of retries for redis write operations in case of conflicts",
		Name:  "redis-num-of-retries", EnvVars: env("REDIS_NUM_OF_RETRIES"),
		Value: defaultRedisTxNumOfRetries,
	}

	NostrRelays = &cli.StringSliceFlag{
		Usage: "Urls of the nostr relays",
		Name:  "nostr-relays", EnvVars: env("NOSTR_RELAYS"),
	}

	NostrKey = &cli.StringFlag{
		Usage: "Hex identity private key used to sign nostr events, defaults to the wallet seed",
		Name:  "nostr-key", EnvVars: env("NOSTR_KEY"),
	}

	LiveStoreType = &cli.StringFlag{
		Usage: "Live store type (inmemory, redis)",
		Name:  "live-store-type", EnvVars: env("LIVE_STORE_TYPE"),
		Value: defaultLiveStoreType,
	}

	CosignerUrl = &cli.StringFlag{
		Usage: "Url of the issuer cosigner",
		Name:  "cosigner-url", EnvVars: env("COSIGNER_URL"),
		Value: defaultCosignerUrl,
	}

	CosignerAuthToken = &cli.StringFlag{
		Usage: "Auth token of the issuer cosigner",
		Name:  "cosigner-auth-token", EnvVars: env("COSIGNER_AUTH_TOKEN"),
	}

	ProofUrl = &cli.StringFlag{
		Usage: "Url of the proof service",
		Name:  "proof-url", EnvVars: env("PROOF_URL"),
		Value: defaultProofUrl,
	}

	ProofAuthToken = &cli.StringFlag{
		Usage: "Auth token of the proof service",
		Name:  "proof-auth-token", EnvVars: env("PROOF_AUTH_TOKEN"),
	}

	ChainTrackerUrl = &cli.StringFlag{
		Usage: "Url of the block headers service used to check merkle roots, disabled if unset",
		Name:  "chaintracker-url", EnvVars: env("CHAINTRACKER_URL"),
	}

	TokenId = &cli.StringFlag{
		Usage: "Id of the token to transfer",
		Name:  "token-id", EnvVars: env("TOKEN_ID"),
		Value: defaultTokenId,
	}

	FeeAddress = &cli.StringFlag{
		Usage: "Address of the issuer receiving the transfer fees",
		Name:  "fee-address", EnvVars: env("FEE_ADDRESS"),
		Value: defaultFeeAddress,
	}

	FeeTiers = &cli.StringFlag{
		Usage: `Fee tiers in JSON, e.g. [{"min":0,"max":9007199254740991,"fee":1000}]`,
		Name:  "fee-tiers", EnvVars: env("FEE_TIERS"),
	}

	Basket = &cli.StringFlag{
		Usage: "Wallet basket holding the token outputs",
		Name:  "basket", EnvVars: env("BASKET"),
		Value: application.DefaultBasket,
	}

	MessageBox = &cli.StringFlag{
		Usage: "Message box receiving the payments",
		Name:  "message-box", EnvVars: env("MESSAGE_BOX"),
		Value: application.DefaultMessageBox,
	}

	HttpTimeout = &cli.DurationFlag{
		Usage: "Timeout of the requests to remote services",
		Name:  "http-timeout", EnvVars: env("HTTP_TIMEOUT"),
		Value: defaultHttpTimeout,
	}

	ReconcileInterval = &cli.DurationFlag{
		Usage: "Interval between two reconciliations of the unfinished payments",
		Name:  "reconcile-interval", EnvVars: env("RECONCILE_INTERVAL"),
		Value: defaultReconcileInterval,
	}

	StalePaymentAfter = &cli.DurationFlag{
		Usage: "Age after which a payment not broadcast is marked as failed",
		Name:  "stale-payment-after", EnvVars: env("STALE_PAYMENT_AFTER"),
		Value: defaultStalePaymentAfter,
	}

	AlertManagerURL = &cli.StringFlag{
		Usage: "Alertmanager url receiving the payment alerts, disabled if unset",
		Name:  "alert-manager-url", EnvVars: env("ALERT_MANAGER_URL"),
	}

	ExplorerURL = &cli.StringFlag{
		Usage: "Block explorer url linked in the alerts",
		Name:  "explorer-url", EnvVars: env("EXPLORER_URL"),
		Value: "https://whatsonchain.com",
	}
)

var Flags = []cli.Flag{
	Datadir,
	LogLevel,
	DbType,
	DbUrl,
	WalletType,
	WalletUrl,
	WalletOrigin,
	WalletSeed,
	RelayType,
	RelayUrl,
	RelayAuthToken,
	RedisUrl,
	RedisTxNumOfRetries,
	NostrRelays,
	NostrKey,
	LiveStoreType,
	CosignerUrl,
	CosignerAuthToken,
	ProofUrl,
	ProofAuthToken,
	ChainTrackerUrl,
	TokenId,
	FeeAddress,
	FeeTiers,
	Basket,
	MessageBox,
	HttpTimeout,
	ReconcileInterval,
	StalePaymentAfter,
	AlertManagerURL,
	ExplorerURL,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	var dbUrl string
	if c.String(DbType.Name) == "postgres" {
		dbUrl = c.String(DbUrl.Name)
		if dbUrl == "" {
			return nil, fmt.Errorf("db type set to 'postgres' but db url is missing")
		}
	}

	var redisUrl string
	if c.String(LiveStoreType.Name) == "redis" || c.String(RelayType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("redis type selected but redis url is missing")
		}
	}

	nostrKey := c.String(NostrKey.Name)
	if nostrKey == "" {
		nostrKey = c.String(WalletSeed.Name)
	}

	return &Config{
		Datadir:             c.String(Datadir.Name),
		LogLevel:            c.Int(LogLevel.Name),
		DbType:              c.String(DbType.Name),
		DbDir:               dbPath,
		DbUrl:               dbUrl,
		WalletType:          c.String(WalletType.Name),
		WalletUrl:           c.String(WalletUrl.Name),
		WalletOrigin:        c.String(WalletOrigin.Name),
		WalletSeed:          c.String(WalletSeed.Name),
		RelayType:           c.String(RelayType.Name),
		RelayUrl:            c.String(RelayUrl.Name),
		RelayAuthToken:      c.String(RelayAuthToken.Name),
		RedisUrl:            redisUrl,
		RedisTxNumOfRetries: c.Int(RedisTxNumOfRetries.Name),
		NostrRelays:         c.StringSlice(NostrRelays.Name),
		NostrKey:            nostrKey,
		LiveStoreType:       c.String(LiveStoreType.Name),
		CosignerUrl:         c.String(CosignerUrl.Name),
		CosignerAuthToken:   c.String(CosignerAuthToken.Name),
		ProofUrl:            c.String(ProofUrl.Name),
		ProofAuthToken:      c.String(ProofAuthToken.Name),
		ChainTrackerUrl:     c.String(ChainTrackerUrl.Name),
		TokenId:             c.String(TokenId.Name),
		FeeAddress:          c.String(FeeAddress.Name),
		FeeTiers:            c.String(FeeTiers.Name),
		Basket:              c.String(Basket.Name),
		MessageBox:          c.String(MessageBox.Name),
		HttpTimeout:         c.Duration(HttpTimeout.Name),
		ReconcileInterval:   c.Duration(ReconcileInterval.Name),
		StalePaymentAfter:   c.Duration(StalePaymentAfter.Name),
		AlertManagerURL:     c.String(AlertManagerURL.Name),
		ExplorerURL:         c.String(ExplorerURL.Name),
	}, nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

// Validate checks the config and builds every service it describes.
func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if !supportedWallets.supports(c.WalletType) {
		return fmt.Errorf(
			"wallet type not supported, please select one of: %s", supportedWallets,
		)
	}
	if !supportedRelays.supports(c.RelayType) {
		return fmt.Errorf("relay type not supported, please select one of: %s", supportedRelays)
	}
	if !supportedLiveStores.supports(c.LiveStoreType) {
		return fmt.Errorf(
			"live store type not supported, please select one of: %s", supportedLiveStores,
		)
	}
	if c.TokenId == "" {
		return fmt.Errorf("missing token id")
	}
	if c.RelayType == "nostr" && len(c.NostrRelays) == 0 {
		return fmt.Errorf("relay type set to 'nostr' but no nostr relay is given")
	}
	if c.ReconcileInterval < time.Second {
		return fmt.Errorf("reconcile interval must be at least 1s")
	}

	if err := c.repoManager(); err != nil {
		return err
	}
	if err := c.walletService(); err != nil {
		return err
	}
	if err := c.relayService(); err != nil {
		return err
	}
	if err := c.proofService(); err != nil {
		return err
	}
	if err := c.cosignerService(); err != nil {
		return err
	}
	if err := c.txBuilderService(); err != nil {
		return err
	}
	if err := c.liveStoreService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.alertsService(); err != nil {
		return err
	}
	return c.appService()
}

func (c *Config) AppService() application.Service {
	return c.svc
}

func (c *Config) repoManager() error {
	var dataStoreConfig []interface{}
	logger := log.New()
	logger.SetLevel(log.Level(c.LogLevel))

	switch c.DbType {
	case "badger":
		dataStoreConfig = []interface{}{c.DbDir, logger}
	case "sqlite":
		dataStoreConfig = []interface{}{c.DbDir}
	case "postgres":
		dataStoreConfig = []interface{}{c.DbUrl, true}
	default:
		return fmt.Errorf("unknown db type")
	}

	svc, err := db.NewService(db.ServiceConfig{
		DataStoreType:   c.DbType,
		DataStoreConfig: dataStoreConfig,
	})
	if err != nil {
		return err
	}

	c.repo = svc
	return nil
}

func (c *Config) walletService() error {
	var svc ports.WalletService
	var err error
	switch c.WalletType {
	case "remote":
		if c.WalletUrl == "" {
			return fmt.Errorf("missing wallet url")
		}
		svc, err = remotewallet.NewWallet(c.WalletUrl, c.WalletOrigin, c.HttpTimeout)
	case "inmemory":
		svc, err = inmemorywallet.NewWallet(c.WalletSeed)
	default:
		err = fmt.Errorf("unknown wallet type")
	}
	if err != nil {
		return err
	}

	c.wallet = svc
	return nil
}

func (c *Config) relayService() error {
	if c.wallet == nil {
		return fmt.Errorf("wallet not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.HttpTimeout)
	defer cancel()
	identityKey, err := c.wallet.GetIdentityKey(ctx)
	if err != nil {
		return fmt.Errorf("failed to get wallet identity key: %w", err)
	}

	var svc ports.RelayService
	switch c.RelayType {
	case "messagebox":
		svc, err = messageboxrelay.NewRelay(
			c.RelayUrl, c.RelayAuthToken, identityKey, c.HttpTimeout,
		)
	case "redis":
		redisOpts, perr := redis.ParseURL(c.RedisUrl)
		if perr != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", perr)
		}
		svc = redisrelay.NewRelay(redis.NewClient(redisOpts), identityKey, c.RedisTxNumOfRetries)
	case "nostr":
		svc, err = nostrrelay.NewRelay(c.NostrRelays, c.NostrKey)
	case "inmemory":
		svc = inmemoryrelay.NewRelay(identityKey)
	default:
		err = fmt.Errorf("unknown relay type")
	}
	if err != nil {
		return err
	}

	c.relay = svc
	return nil
}

func (c *Config) proofService() error {
	svc, err := proofservice.NewService(c.ProofUrl, c.ProofAuthToken, c.HttpTimeout)
	if err != nil {
		return err
	}
	c.proofs = svc

	if c.ChainTrackerUrl == "" {
		return nil
	}
	tracker, err := proofservice.NewChainTracker(c.ChainTrackerUrl, c.HttpTimeout)
	if err != nil {
		return err
	}
	c.chainTracker = tracker
	return nil
}

func (c *Config) cosignerService() error {
	svc, err := cosigner.NewService(c.CosignerUrl, c.CosignerAuthToken, c.HttpTimeout)
	if err != nil {
		return err
	}

	c.cosigner = svc
	return nil
}

func (c *Config) txBuilderService() error {
	if c.wallet == nil {
		return fmt.Errorf("wallet not set")
	}

	policy := fees.DefaultPolicy()
	if c.FeeTiers != "" {
		var tiers []fees.Tier
		if err := json.Unmarshal([]byte(c.FeeTiers), &tiers); err != nil {
			return fmt.Errorf("invalid fee tiers: %w", err)
		}
		p, err := fees.NewPolicy(tiers)
		if err != nil {
			return fmt.Errorf("invalid fee tiers: %w", err)
		}
		policy = p
	}

	svc, err := txbuilder.NewTxBuilder(c.wallet, c.TokenId, c.FeeAddress, policy)
	if err != nil {
		return err
	}

	c.txBuilder = svc
	return nil
}

func (c *Config) liveStoreService() error {
	var liveStoreSvc ports.LiveStore
	var err error
	switch c.LiveStoreType {
	case "inmemory":
		liveStoreSvc = inmemorylivestore.NewLiveStore()
	case "redis":
		redisOpts, err := redis.ParseURL(c.RedisUrl)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(redisOpts)
		liveStoreSvc = redislivestore.NewLiveStore(rdb, c.RedisTxNumOfRetries)
	default:
		err = fmt.Errorf("unknown liveStore type")
	}

	if err != nil {
		return err
	}

	c.liveStore = liveStoreSvc
	return nil
}

func (c *Config) schedulerService() error {
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) alertsService() error {
	if c.AlertManagerURL == "" {
		return nil
	}

	c.alerts = alertsmanager.NewService(c.AlertManagerURL, c.ExplorerURL)
	return nil
}

func (c *Config) appService() error {
	svc, err := application.NewService(
		application.Config{
			TokenId:           c.TokenId,
			Basket:            c.Basket,
			MessageBox:        c.MessageBox,
			ReconcileInterval: c.ReconcileInterval,
			StalePaymentAfter: c.StalePaymentAfter,
			// a claim must outlast the slowest single remote call it guards
			ClaimTTL: claimTTLSteps * c.HttpTimeout,
		},
		c.wallet, c.relay, c.proofs, c.cosigner, c.txBuilder,
		c.repo, c.liveStore, c.scheduler, c.alerts, c.chainTracker,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

// maskUrl hides the credentials of a connection url.
func maskUrl(rawUrl string) string {
	at := strings.LastIndex(rawUrl, "@")
	scheme := strings.Index(rawUrl, "://")
	if at < 0 || scheme < 0 || scheme > at {
		return rawUrl
	}
	return rawUrl[:scheme+3] + "••••••" + rawUrl[at:]
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
