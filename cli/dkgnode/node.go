// Package dkgnode implements the start-node command: it wires configuration,
// storage, the operator identity, the p2p network and the session node
// together and runs the key generation.
package dkgnode

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	global_config "github.com/dvlabs/dkg/cli/config"
	"github.com/dvlabs/dkg/dkg"
	"github.com/dvlabs/dkg/logging"
	"github.com/dvlabs/dkg/message/validation"
	"github.com/dvlabs/dkg/metrics"
	"github.com/dvlabs/dkg/network/p2p"
	"github.com/dvlabs/dkg/node"
	"github.com/dvlabs/dkg/operator/keys"
	"github.com/dvlabs/dkg/sessions"
	"github.com/dvlabs/dkg/storage"
	"github.com/dvlabs/dkg/storage/basedb"
	"github.com/dvlabs/dkg/utils/commons"
)

type config struct {
	global_config.GlobalConfig `yaml:"global"`
	DBOptions                  basedb.Options `yaml:"db"`
	P2POptions                 p2p.Options    `yaml:"p2p"`
	DKGOptions                 node.Options   `yaml:"dkg"`

	OperatorPrivateKey string `yaml:"OperatorPrivateKey" env:"OPERATOR_KEY" env-description:"Operator private key as hex, used to sign messages and decrypt share fragments"`
	OperatorKeyFile    string `yaml:"OperatorKeyFile" env:"OPERATOR_KEY_FILE" env-description:"Path to a file holding the operator private key"`

	Era        uint64       `yaml:"Era" env:"DKG_ERA" env-description:"Era the committee generates a key for"`
	Validators []string     `yaml:"Validators" env:"DKG_VALIDATORS" env-separator:"," env-description:"Addresses of all committee operators, self included"`
	Threshold  uint16       `yaml:"Threshold" env:"DKG_THRESHOLD" env-description:"Minimum number of signers the generated key requires"`
	Timeouts   dkg.Timeouts `yaml:"Timeouts"`

	MetricsAPIPort int  `yaml:"MetricsAPIPort" env:"METRICS_API_PORT" env-description:"Port to listen on for the metrics API."`
	EnableProfile  bool `yaml:"EnableProfile" env:"ENABLE_PROFILE" env-description:"flag that indicates whether go profiling tools are enabled"`
}

var cfg config

var globalArgs global_config.Args

// StartNodeCmd is the command to start DKG node
var StartNodeCmd = &cobra.Command{
	Use:   "start-node",
	Short: "Starts an instance of DKG node",
	Run: func(cmd *cobra.Command, args []string) {
		logger, err := setupGlobal(cmd)
		if err != nil {
			log.Fatal("could not create logger", err)
		}

		defer logging.CapturePanic(logger)

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		cfg.DBOptions.Ctx = ctx
		db, err := setupDB(logger)
		if err != nil {
			logger.Fatal("could not setup db", zap.Error(err))
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error("could not close db", zap.Error(err))
			}
		}()

		operatorKey, err := setupOperatorKey()
		if err != nil {
			logger.Fatal("could not setup operator key", zap.Error(err))
		}

		session, err := setupSession(operatorKey.Address())
		if err != nil {
			logger.Fatal("could not setup session", zap.Error(err))
		}

		cfg.P2POptions.Ctx = ctx
		net, err := p2p.New(logger, cfg.P2POptions)
		if err != nil {
			logger.Fatal("could not setup p2p network", zap.Error(err))
		}
		defer func() {
			if err := net.Close(); err != nil {
				logger.Error("could not close p2p network", zap.Error(err))
			}
		}()

		msgValidator, err := validation.New(logger, operatorKey.Address(),
			validation.WithSelfAccept(net.PeerID(), true))
		if err != nil {
			logger.Fatal("could not create message validator", zap.Error(err))
		}

		cfg.DKGOptions.Ctx = ctx
		cfg.DKGOptions.OperatorKey = operatorKey
		cfg.DKGOptions.Network = net
		cfg.DKGOptions.Validator = msgValidator
		cfg.DKGOptions.Store = sessions.NewStore(logger, db)
		cfg.DKGOptions.Session = session
		cfg.DKGOptions.Timeouts = cfg.Timeouts

		dkgNode := node.New(logger, cfg.DKGOptions)

		if cfg.MetricsAPIPort > 0 {
			go startMetricsHandler(logger, dkgNode, cfg.MetricsAPIPort, cfg.EnableProfile)
		}

		if err := net.Start(session.Era, msgValidator, dkgNode.HandleEvent); err != nil {
			logger.Fatal("could not start p2p network", zap.Error(err))
		}
		if addrs, err := net.Multiaddrs(); err == nil {
			logger.Info("p2p network is ready", zap.Strings("multiaddrs", addrs))
		}

		if err := dkgNode.Start(); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("failed to run dkg node", zap.Error(err))
		}
	},
}

func init() {
	global_config.ProcessArgs(&cfg, &globalArgs, StartNodeCmd)
}

func setupGlobal(cmd *cobra.Command) (*zap.Logger, error) {
	commons.SetBuildData(cmd.Parent().Short, cmd.Parent().Version)
	log.Printf("starting DKG node (version %s)", commons.GetBuildData())

	if globalArgs.ConfigPath != "" {
		if err := cleanenv.ReadConfig(globalArgs.ConfigPath, &cfg); err != nil {
			return nil, fmt.Errorf("could not read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("could not read env config: %w", err)
	}

	if err := logging.SetGlobalLogger(cfg.LogLevel, cfg.LogLevelFormat, cfg.LogFormat, cfg.LogFilePath); err != nil {
		return nil, fmt.Errorf("logging.SetGlobalLogger: %w", err)
	}

	return zap.L(), nil
}

func setupDB(logger *zap.Logger) (basedb.Database, error) {
	db, err := storage.GetStorageFactory(logger, cfg.DBOptions)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	return db, nil
}

func setupOperatorKey() (keys.OperatorPrivateKey, error) {
	if cfg.OperatorPrivateKey != "" {
		return keys.PrivateKeyFromHex(cfg.OperatorPrivateKey)
	}
	if cfg.OperatorKeyFile != "" {
		return keys.PrivateKeyFromFile(cfg.OperatorKeyFile)
	}
	return nil, errors.New("no operator key configured")
}

func setupSession(self common.Address) (dkg.SessionConfig, error) {
	if len(cfg.Validators) == 0 {
		return dkg.SessionConfig{}, errors.New("no validators configured")
	}
	validators := make([]common.Address, 0, len(cfg.Validators))
	selfIncluded := false
	for _, raw := range cfg.Validators {
		if !common.IsHexAddress(raw) {
			return dkg.SessionConfig{}, errors.Errorf("invalid validator address: %s", raw)
		}
		addr := common.HexToAddress(raw)
		validators = append(validators, addr)
		if addr == self {
			selfIncluded = true
		}
	}
	if !selfIncluded {
		return dkg.SessionConfig{}, errors.New("own operator address is not part of the committee")
	}
	return dkg.SessionConfig{
		Era:         cfg.Era,
		Threshold:   cfg.Threshold,
		Validators:  validators,
		SelfAddress: self,
	}, nil
}

func startMetricsHandler(logger *zap.Logger, agent metrics.HealthCheckAgent, port int, enableProf bool) {
	metricsHandler := metrics.NewHandler(logger, enableProf, agent)
	addr := fmt.Sprintf(":%d", port)
	if err := metricsHandler.Start(http.NewServeMux(), addr); err != nil {
		logger.Panic("failed to serve metrics", zap.Error(err))
	}
}
