// Command lorectl is a thin command-line surface over the lore module's
// core entry points: schema migration, message storage, distillation,
// recall search, the agents-file export/import round-trip, and pruning. It
// is not the interactive host shell spec.md's scope excludes — it exists so
// the module can be exercised end to end without a host process.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opencode-lore/lore/internal/agentsfile"
	"github.com/opencode-lore/lore/internal/curator"
	"github.com/opencode-lore/lore/internal/distill"
	"github.com/opencode-lore/lore/internal/ids"
	"github.com/opencode-lore/lore/internal/knowledge"
	"github.com/opencode-lore/lore/internal/llm"
	. "github.com/opencode-lore/lore/internal/logging"
	"github.com/opencode-lore/lore/internal/loreconfig"
	"github.com/opencode-lore/lore/internal/project"
	"github.com/opencode-lore/lore/internal/recall"
	"github.com/opencode-lore/lore/internal/store"
	"github.com/opencode-lore/lore/internal/temporal"
)

// version is set by the release process via ldflags: -X main.version=...
var version = "dev"

// CLI defines lorectl's command surface.
type CLI struct {
	Debug   bool   `help:"Enable debug logging" short:"d"`
	DBPath  string `help:"Override the database path" type:"path"`
	Project string `help:"Project directory (defaults to the current directory)" type:"path" default:"."`

	Migrate MigrateCmd `cmd:"" help:"Open (creating and migrating if needed) the database and exit"`
	Store   StoreCmd   `cmd:"" help:"Store one message into the temporal log"`
	Distill DistillCmd `cmd:"" help:"Run a distillation pass for a session"`
	Curate  CurateCmd  `cmd:"" help:"Run a curation pass for a session"`
	Recall  RecallCmd  `cmd:"" help:"Search long-term memory"`
	Export  ExportCmd  `cmd:"" help:"Export the project's knowledge entries to its agents file"`
	Import  ImportCmd  `cmd:"" help:"Import the project's agents file into the knowledge store"`
	Prune   PruneCmd   `cmd:"" help:"Prune old temporal messages and oversized knowledge entries"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

// Context carries global flags and the opened database to every command.
type Context struct {
	Debug   bool
	DBPath  string
	Project string
	DB      *sql.DB
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("lorectl"),
		kong.Description("Command-line surface for the lore memory module"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: false})

	dbPath := cli.DBPath
	if dbPath == "" {
		p, err := loreconfig.DBPath()
		if err != nil {
			L_fatal("resolving database path", "error", err)
		}
		dbPath = p
	}
	if err := loreconfig.EnsureParentDir(dbPath); err != nil {
		L_fatal("creating database directory", "error", err)
	}

	db, err := store.Open(dbPath)
	if err != nil {
		L_fatal("opening database", "error", err)
	}
	defer db.Close()

	err = kctx.Run(&Context{Debug: cli.Debug, DBPath: dbPath, Project: cli.Project, DB: db})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// MigrateCmd opens the database, which brings the schema up to date as a
// side effect of store.Open, and reports success.
type MigrateCmd struct{}

func (c *MigrateCmd) Run(ctx *Context) error {
	fmt.Printf("database ready at %s\n", ctx.DBPath)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (c *VersionCmd) Run(ctx *Context) error {
	fmt.Println(version)
	return nil
}

// StoreCmd appends one message to the temporal log.
type StoreCmd struct {
	Session string `help:"Session id" required:""`
	Role    string `help:"Message role (user, assistant, tool)" required:""`
	Text    string `help:"Message text" required:""`
}

func (c *StoreCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}

	ts := temporal.NewStore(ctx.DB)
	msg, err := ts.Store(proj.ID, c.Session, ids.New(), c.Role, c.Text, "{}")
	if err != nil {
		return fmt.Errorf("storing message: %w", err)
	}

	fmt.Printf("stored message %s (%d tokens)\n", msg.ID, msg.Tokens)
	return nil
}

// DistillCmd runs one distillation pass over a session's undistilled
// messages.
type DistillCmd struct {
	Session string `help:"Session id" required:""`
	Force   bool   `help:"Distill even if fewer than minMessages are pending"`
}

func (c *DistillCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}
	cfg, err := loreconfig.LoadProjectConfig(ctx.Project)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}

	registry, err := newRegistry(cfg.Model)
	if err != nil {
		return fmt.Errorf("building model registry: %w", err)
	}

	distillCfg := distill.Config{
		MinMessages:   cfg.Distillation.MinMessages,
		MaxSegment:    cfg.Distillation.MaxSegment,
		MetaThreshold: cfg.Distillation.MetaThreshold,
	}
	pipeline := distill.NewPipeline(distill.NewStore(ctx.DB), temporal.NewStore(ctx.DB), registry, distillCfg)

	result, err := pipeline.Run(context.Background(), proj.ID, c.Session, c.Force, nil)
	if err != nil {
		return fmt.Errorf("distilling: %w", err)
	}

	fmt.Printf("segments distilled: %d, meta-consolidated: %v, rounds: %d\n",
		result.SegmentsDistilled, result.MetaConsolidated, result.Rounds)
	return nil
}

// CurateCmd runs one knowledge-curation pass over a session.
type CurateCmd struct {
	Session string `help:"Session id" required:""`
	Force   bool   `help:"Curate even if onIdle/afterTurns wouldn't otherwise trigger"`
}

func (c *CurateCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}
	cfg, err := loreconfig.LoadProjectConfig(ctx.Project)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}

	registry, err := newRegistry(cfg.Model)
	if err != nil {
		return fmt.Errorf("building model registry: %w", err)
	}

	curatorCfg := curator.Config{
		Enabled:    true,
		OnIdle:     cfg.Curator.OnIdle,
		AfterTurns: cfg.Curator.AfterTurns,
		MaxEntries: cfg.Curator.MaxEntries,
	}
	pipeline := curator.NewPipeline(knowledge.NewStore(ctx.DB), temporal.NewStore(ctx.DB), registry, curatorCfg)

	result, err := pipeline.Run(context.Background(), proj.ID, c.Session, 0, c.Force)
	if err != nil {
		return fmt.Errorf("curating: %w", err)
	}

	fmt.Printf("created: %d, updated: %d, deleted: %d, consolidated: %v\n",
		result.Created, result.Updated, result.Deleted, result.Consolidated)
	return nil
}

// RecallCmd searches long-term memory across all three tiers.
type RecallCmd struct {
	Session string `help:"Session id (scopes results when scope=session)" default:""`
	Query   string `help:"Search query" required:""`
	Scope   string `help:"all, session, project, or knowledge" default:"all"`
}

func (c *RecallCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}

	s := recall.NewStore(temporal.NewStore(ctx.DB), distill.NewStore(ctx.DB), knowledge.NewStore(ctx.DB))
	out, err := s.Query(context.Background(), proj.ID, c.Session, c.Query, recall.Scope(c.Scope))
	if err != nil {
		return fmt.Errorf("querying: %w", err)
	}

	fmt.Println(out)
	return nil
}

// ExportCmd renders the project's knowledge entries into its agents file.
type ExportCmd struct{}

func (c *ExportCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}
	cfg, err := loreconfig.LoadProjectConfig(ctx.Project)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}
	if !cfg.AgentsFile.Enabled {
		return fmt.Errorf("agents file export is disabled for this project")
	}

	ks := knowledge.NewStore(ctx.DB)
	entries, err := ks.ForProject(proj.ID, true)
	if err != nil {
		return fmt.Errorf("loading knowledge entries: %w", err)
	}

	path := agentsFilePath(ctx.Project, cfg.AgentsFile.Path)
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	updated := agentsfile.ApplyExport(string(existing), entries)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	exported := 0
	for _, e := range entries {
		if !e.CrossProject {
			exported++
		}
	}
	fmt.Printf("exported %d knowledge entries to %s\n", exported, path)
	return nil
}

// ImportCmd reconciles the project's agents file back into the knowledge
// store.
type ImportCmd struct{}

func (c *ImportCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}
	cfg, err := loreconfig.LoadProjectConfig(ctx.Project)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}

	path := agentsFilePath(ctx.Project, cfg.AgentsFile.Path)
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	imported := agentsfile.Import(string(content))
	ks := knowledge.NewStore(ctx.DB)
	if err := agentsfile.Reconcile(ks, proj.ID, imported); err != nil {
		return fmt.Errorf("reconciling: %w", err)
	}

	fmt.Printf("imported %d entries from %s\n", len(imported), path)
	return nil
}

func agentsFilePath(projectPath, configuredPath string) string {
	if configuredPath == "" {
		configuredPath = "AGENTS.md"
	}
	if os.IsPathSeparator(configuredPath[0]) {
		return configuredPath
	}
	return projectPath + string(os.PathSeparator) + configuredPath
}

// PruneCmd runs the temporal retention pass and retires oversized knowledge
// entries.
type PruneCmd struct{}

const knowledgePruneMaxLen = 4000

func (c *PruneCmd) Run(ctx *Context) error {
	proj, err := project.NewStore(ctx.DB).GetOrCreate(ctx.Project)
	if err != nil {
		return fmt.Errorf("resolving project: %w", err)
	}
	cfg, err := loreconfig.LoadProjectConfig(ctx.Project)
	if err != nil {
		return fmt.Errorf("loading project config: %w", err)
	}

	ts := temporal.NewStore(ctx.DB)
	pruned, err := ts.Prune(proj.ID, cfg.Pruning.RetentionDays, int64(cfg.Pruning.MaxStorageMB))
	if err != nil {
		return fmt.Errorf("pruning temporal store: %w", err)
	}

	ks := knowledge.NewStore(ctx.DB)
	retired, err := ks.PruneOversized(knowledgePruneMaxLen)
	if err != nil {
		return fmt.Errorf("pruning knowledge store: %w", err)
	}

	fmt.Printf("messages pruned: %d (ttl), %d (cap); knowledge entries retired: %d\n",
		pruned.TTLDeleted, pruned.CapDeleted, retired)
	return nil
}

// defaultDistillModel is used when a project's .lore.json leaves "model"
// unset.
const defaultDistillModel = "claude-3-5-haiku-20241022"

// newRegistry builds a single-provider registry from the ANTHROPIC_API_KEY
// environment variable, for the subcommands (distill, curate) that need to
// dispatch a model call outside of a full host-integrated Registry.
func newRegistry(model string) (*llm.Registry, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
	}
	if model == "" {
		model = defaultDistillModel
	}

	providerCfg := llm.LLMProviderConfig{
		Driver: "anthropic",
		APIKey: apiKey,
	}
	ref := "anthropic/" + model

	cfg := llm.RegistryConfig{
		Providers: map[string]llm.LLMProviderConfig{"anthropic": providerCfg},
		Distill:   llm.LLMPurposeConfig{Models: []string{ref}},
		Curator:   llm.LLMPurposeConfig{Models: []string{ref}},
	}
	return llm.NewRegistry(cfg)
}
