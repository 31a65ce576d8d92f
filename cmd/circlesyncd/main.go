package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/accounts"
	"github.com/circle-sync/circlesync/internal/conf"
	"github.com/circle-sync/circlesync/internal/coordinator"
	"github.com/circle-sync/circlesync/internal/dispatch"
	"github.com/circle-sync/circlesync/internal/life360"
	"github.com/circle-sync/circlesync/internal/member"
	"github.com/circle-sync/circlesync/internal/request"
	"github.com/circle-sync/circlesync/internal/server"
	"github.com/circle-sync/circlesync/internal/storage"
)

const (
	commandUse              = "circlesyncd"
	commandShortDescription = "Serve aggregated Circle and Member location data over HTTP"
	envPrefix               = "CIRCLESYNC"

	flagHostName                   = "host"
	flagHostDescription            = "Host interface for the HTTP server"
	flagPortName                   = "port"
	flagPortDescription            = "Port for the HTTP server"
	flagConfigPathName             = "config-path"
	flagConfigPathDescription      = "Path of the account configuration file"
	flagStoragePathName            = "storage-path"
	flagStoragePathDescription     = "Path of the persisted Circles & Members snapshot"
	flagBaseURLName                = "base-url"
	flagBaseURLDescription         = "Base URL of the location service API"
	flagRefreshIntervalName        = "refresh-interval"
	flagRefreshIntervalDescription = "Interval between Circles & Members reconciliation passes"
	flagMemberIntervalName         = "member-interval"
	flagMemberIntervalDescription  = "Interval between Member location polls"

	defaultHost            = "127.0.0.1"
	defaultPort            = 8080
	defaultConfigPath      = "circlesync.json"
	defaultStoragePath     = "circlesync_state.json"
	defaultShutdownTimeout = 10 * time.Second

	errMessageLoggerCreate   = "create logger"
	errMessageConfigLoad     = "load configuration"
	errMessageListenAndServe = "listen and serve"

	logMessageStartingService = "starting circle sync service"
	logMessageStartingServer  = "starting HTTP server"
	logMessageServerStopped   = "server stopped"
	logMessageListenError     = "server listen failure"
	logMessageShutdownError   = "server shutdown failure"
	logFieldAddress           = "address"
	logFieldConfigPath        = "config_path"
	logFieldStoragePath       = "storage_path"
)

func main() {
	cobra.CheckErr(newDaemonCommand().Execute())
}

func newDaemonCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   commandUse,
		Short: commandShortDescription,
		RunE:  runDaemonCommand,
	}

	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	command.Flags().String(flagConfigPathName, defaultConfigPath, flagConfigPathDescription)
	command.Flags().String(flagStoragePathName, defaultStoragePath, flagStoragePathDescription)
	command.Flags().String(flagBaseURLName, "", flagBaseURLDescription)
	command.Flags().Duration(flagRefreshIntervalName, 0, flagRefreshIntervalDescription)
	command.Flags().Duration(flagMemberIntervalName, 0, flagMemberIntervalDescription)

	bindFlagToViper(command, flagHostName)
	bindFlagToViper(command, flagPortName)
	bindFlagToViper(command, flagConfigPathName)
	bindFlagToViper(command, flagStoragePathName)
	bindFlagToViper(command, flagBaseURLName)
	bindFlagToViper(command, flagRefreshIntervalName)
	bindFlagToViper(command, flagMemberIntervalName)

	cobra.OnInitialize(configureEnvironment)

	return command
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func runDaemonCommand(command *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	configPath := viper.GetString(flagConfigPathName)
	storagePath := viper.GetString(flagStoragePathName)
	baseURL := viper.GetString(flagBaseURLName)

	configStore := conf.NewStore(configPath, logger)
	if loadErr := configStore.Load(); loadErr != nil {
		return fmt.Errorf("%s: %w", errMessageConfigLoad, loadErr)
	}

	dispatcher := dispatch.NewDispatcher()
	issues := dispatch.NewIssueRegistry()

	clientFactory := func(accountID life360.AccountID, authorization string, name string, verbosity int) life360.Client {
		return life360.NewHTTPClient(life360.HTTPClientConfig{
			BaseURL:       baseURL,
			Authorization: authorization,
			Name:          name,
			Verbosity:     verbosity,
			Logger:        logger,
		})
	}
	manager := accounts.NewManager(clientFactory, logger)

	executor := request.NewExecutor(request.ExecutorConfig{
		Manager:     manager,
		Dispatcher:  dispatcher,
		Issues:      issues,
		ConfigStore: configStore,
		Logger:      logger,
	})

	engine := coordinator.New(coordinator.Config{
		Manager:         manager,
		Executor:        executor,
		Store:           storage.NewFileStore(storagePath, logger),
		ConfigStore:     configStore,
		Issues:          issues,
		Logger:          logger,
		RefreshInterval: viper.GetDuration(flagRefreshIntervalName),
	})

	aggregator := member.NewAggregator(member.AggregatorConfig{
		Coordinator:    engine,
		Dispatcher:     dispatcher,
		Logger:         logger,
		UpdateInterval: viper.GetDuration(flagMemberIntervalName),
	})

	runCtx, stopSignals := signal.NotifyContext(command.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	logger.Info(logMessageStartingService,
		zap.String(logFieldConfigPath, configPath),
		zap.String(logFieldStoragePath, storagePath))

	engine.Start(runCtx)
	defer engine.Stop()
	aggregator.Start(runCtx)
	defer aggregator.Stop()

	router, routerErr := server.NewRouter(server.RouterConfig{
		Members:  aggregator,
		Topology: engine,
		Issues:   issues,
		Logger:   logger,
	})
	if routerErr != nil {
		return routerErr
	}

	address := fmt.Sprintf("%s:%d", viper.GetString(flagHostName), viper.GetInt(flagPortName))
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router}
	serveErrs := make(chan error, 1)
	go func() {
		serveErrs <- httpServer.ListenAndServe()
	}()

	select {
	case serveErr := <-serveErrs:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error(logMessageListenError, zap.Error(serveErr))
			return fmt.Errorf("%s: %w", errMessageListenAndServe, serveErr)
		}
	case <-runCtx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancelShutdown()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error(logMessageShutdownError, zap.Error(shutdownErr))
		}
	}

	logger.Info(logMessageServerStopped)
	return nil
}
