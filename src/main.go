package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"objectdb/src/directors"
	"objectdb/src/engine"
	"objectdb/src/helpers"
	"objectdb/src/models"
	"objectdb/src/settings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCommand(settings.GetSettings()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand(args *settings.Arguments) *cobra.Command {
	var (
		uri         string
		prefix      string
		schemaHooks bool
		maxTimeMS   int64
	)

	root := &cobra.Command{
		Use:           "objectdb",
		Short:         "objectdb - inspect and maintain classes stored in a document database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if args.ConfigFile != "" {
				cfg, err := settings.LoadAdapterSettings(args.ConfigFile)
				if err != nil {
					return err
				}
				args.Adapter = cfg
			}
			flags := cmd.Flags()
			if flags.Changed("uri") {
				args.Adapter.URI = uri
			}
			if flags.Changed("prefix") {
				args.Adapter.CollectionPrefix = prefix
			}
			if flags.Changed("enable-schema-hooks") {
				args.Adapter.DatabaseOptions.EnableSchemaChangeHooks = schemaHooks
			}
			if flags.Changed("max-time-ms") {
				args.Adapter.DatabaseOptions.MaxOperationTimeMS = maxTimeMS
			}
			return args.Adapter.Validate()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&args.ConfigFile, "config", "", "Path to a YAML config file")
	pf.StringVar(&uri, "uri", settings.DefaultURI, "Database connection URI")
	pf.StringVar(&prefix, "prefix", "", "Prefix added to every collection name")
	pf.BoolVar(&args.Debug, "debug", false, "Enable debug logging")
	pf.BoolVarP(&args.Verbose, "verbose", "v", false, "Print the effective settings before running")
	pf.BoolVar(&schemaHooks, "enable-schema-hooks", false, "Watch the schema collection for changes")
	pf.Int64Var(&maxTimeMS, "max-time-ms", 0, "Time limit for reads in milliseconds (0 for none)")

	root.AddCommand(
		newClassesCommand(args),
		newClassCommand(args),
		newSyncIndexesCommand(args),
		newFindCommand(args),
		newCountCommand(args),
		newCreateCommand(args),
		newWatchCommand(args),
	)
	return root
}

// initLogger builds the process logger and installs it as the global one.
func initLogger(debug bool) (*zap.SugaredLogger, error) {
	var logger *zap.Logger
	var err error

	if debug {
		z := zap.NewDevelopmentConfig()
		z.OutputPaths = []string{"stdout"}
		logger, err = z.Build()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return logger.Sugar(), nil
}

// withServices sets up logging, the adapter and the services, runs fn and
// shuts the adapter down afterwards.
func withServices(cmd *cobra.Command, args *settings.Arguments, fn func(ctx context.Context, sm *directors.ServiceManager) error) error {
	logger, err := initLogger(args.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if args.Verbose {
		logger.Infow("objectdb starting",
			"uri", args.Adapter.URI,
			"collectionPrefix", args.Adapter.CollectionPrefix,
			"maxOperationTimeMs", args.Adapter.DatabaseOptions.MaxOperationTimeMS,
			"enableSchemaChangeHooks", args.Adapter.DatabaseOptions.EnableSchemaChangeHooks,
			"config", args.ConfigFile)
	}

	adapter, err := engine.NewMongoStorageAdapter(args.Adapter, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage adapter: %w", err)
	}
	sm := directors.InitServiceManager(adapter, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, sm)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := adapter.HandleShutdown(shutdownCtx); err != nil {
		logger.Warnf("Error shutting down storage adapter: %v", err)
	}
	return runErr
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseWhere decodes a JSON query given on the command line.
func parseWhere(where string) (models.Query, error) {
	if where == "" {
		return models.Query{}, nil
	}
	query := models.Query{}
	if err := json.Unmarshal([]byte(where), &query); err != nil {
		return nil, fmt.Errorf("invalid --where: %w", err)
	}
	return query, nil
}

// parseObject decodes the JSON object given to create.
func parseObject(data string) (models.Object, error) {
	if data == "" {
		return nil, fmt.Errorf("--data is required")
	}
	object := models.Object{}
	if err := json.Unmarshal([]byte(data), &object); err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}
	return object, nil
}

func newClassesCommand(args *settings.Arguments) *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List every class and its number of fields",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				classes, err := sm.SchemaService.Classes(ctx)
				if err != nil {
					return err
				}
				for _, schema := range classes {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d fields\n", schema.ClassName, len(schema.Fields))
				}
				return nil
			})
		},
	}
}

// classDescription is the printed form of a class schema.
type classDescription struct {
	ClassName             string                            `json:"className"`
	Fields                map[string]fieldDescription       `json:"fields"`
	ClassLevelPermissions map[string]interface{}            `json:"classLevelPermissions,omitempty"`
	Indexes               map[string]map[string]interface{} `json:"indexes,omitempty"`
}

type fieldDescription struct {
	Type        models.FieldKind       `json:"type"`
	TargetClass string                 `json:"targetClass,omitempty"`
	Options     map[string]interface{} `json:"options,omitempty"`
}

func describeClass(schema *models.ClassSchema) classDescription {
	desc := classDescription{
		ClassName:             schema.ClassName,
		Fields:                make(map[string]fieldDescription, len(schema.Fields)),
		ClassLevelPermissions: schema.ClassLevelPermissions,
	}
	for name, field := range schema.Fields {
		desc.Fields[name] = fieldDescription{Type: field.Type, TargetClass: field.TargetClass, Options: field.Options}
	}
	if len(schema.Indexes) > 0 {
		desc.Indexes = make(map[string]map[string]interface{}, len(schema.Indexes))
		for name, keys := range schema.Indexes {
			desc.Indexes[name], _ = helpers.ToMap(keys)
		}
	}
	return desc
}

func newClassCommand(args *settings.Arguments) *cobra.Command {
	return &cobra.Command{
		Use:   "class <name>",
		Short: "Print the schema of a class as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				schema, ok, err := sm.SchemaService.Class(ctx, names[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("class '%s': %w", names[0], engine.ErrClassNotFound)
				}
				return printJSON(cmd, describeClass(schema))
			})
		},
	}
}

func newSyncIndexesCommand(args *settings.Arguments) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-indexes",
		Short: "Record the indexes each collection actually has on its class schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				if err := sm.Adapter.UpdateSchemaWithIndexes(ctx); err != nil {
					return err
				}
				sm.SchemaService.Invalidate()
				classes, err := sm.SchemaService.Classes(ctx)
				if err != nil {
					return err
				}
				for _, schema := range classes {
					names := make([]string, 0, len(schema.Indexes))
					for name := range schema.Indexes {
						names = append(names, name)
					}
					sort.Strings(names)
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%v\n", schema.ClassName, names)
				}
				return nil
			})
		},
	}
}

func newFindCommand(args *settings.Arguments) *cobra.Command {
	var (
		where    string
		limit    int64
		skip     int64
		keys     []string
		readPref string
		explain  bool
	)
	cmd := &cobra.Command{
		Use:   "find <class>",
		Short: "Print the objects of a class matching a JSON query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			query, err := parseWhere(where)
			if err != nil {
				return err
			}
			opts := models.QueryOptions{Limit: limit, Skip: skip, Keys: keys, ReadPreference: readPref}
			if explain {
				opts.Explain = true
			}
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				objects, err := sm.ObjectService.Find(ctx, names[0], query, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, objects)
			})
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "JSON query, for example '{\"score\":{\"$gt\":10}}'")
	cmd.Flags().Int64Var(&limit, "limit", 100, "Maximum number of objects to return")
	cmd.Flags().Int64Var(&skip, "skip", 0, "Number of matching objects to skip")
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "Fields to return")
	cmd.Flags().StringVar(&readPref, "read-preference", "", "PRIMARY, SECONDARY, NEAREST, ...")
	cmd.Flags().BoolVar(&explain, "explain", false, "Print the query plan instead of the objects")
	return cmd
}

func newCreateCommand(args *settings.Arguments) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create <class>",
		Short: "Store a new object built from a JSON document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			object, err := parseObject(data)
			if err != nil {
				return err
			}
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				created, err := sm.ObjectService.CreateObject(ctx, names[0], object)
				if err != nil {
					return err
				}
				return printJSON(cmd, created)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "JSON object, for example '{\"title\":\"hello\"}'")
	return cmd
}

func newCountCommand(args *settings.Arguments) *cobra.Command {
	var (
		where    string
		readPref string
	)
	cmd := &cobra.Command{
		Use:   "count <class>",
		Short: "Count the objects of a class matching a JSON query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			query, err := parseWhere(where)
			if err != nil {
				return err
			}
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				n, err := sm.ObjectService.Count(ctx, names[0], query, readPref)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "JSON query")
	cmd.Flags().StringVar(&readPref, "read-preference", "", "PRIMARY, SECONDARY, NEAREST, ...")
	return cmd
}

func newWatchCommand(args *settings.Arguments) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow schema changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			args.Adapter.DatabaseOptions.EnableSchemaChangeHooks = true
			return withServices(cmd, args, func(ctx context.Context, sm *directors.ServiceManager) error {
				logger := zap.S()
				sm.Adapter.Watch(func() {
					sm.SchemaService.Invalidate()
					logger.Info("Schema changed, cache invalidated")
				})

				classes, err := sm.SchemaService.Classes(ctx)
				if err != nil {
					return err
				}
				logger.Infof("Watching %d classes for schema changes", len(classes))

				<-ctx.Done()
				fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down...")
				return nil
			})
		},
	}
}
