package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kittclouds/loom/internal/store"
	"github.com/kittclouds/loom/pkg/engine"
	"github.com/kittclouds/loom/pkg/state"
)

var version = "dev"

// --- Global Command Variables ---
var (
	storyID      string
	branchFlag   string
	forkName     string
	forkBlank    bool
	deleteHard   bool
	protectOff   bool
	schemaPath   string
	defaultsPath string
	searchBudget int
	searchCats   []string

	rootCmd = &cobra.Command{
		Use:   "loom",
		Short: "Branching story engine: versioned narrative state over SQLite",
		Long: `Loom keeps an interactive story as a tree of branches. Each branch
owns a delta message log over its parent's timeline plus four mutable
documents (state, roster, clock, progression); forking, editing, and
regenerating never rewrite history.`,
		SilenceUsage: true,
	}

	initCmd = &cobra.Command{
		Use:   "init [title]",
		Short: "Create a story with its root branch",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInit,
	}

	sendCmd = &cobra.Command{
		Use:   "send <text...>",
		Short: "Play one turn on the active branch",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSend,
	}

	editCmd = &cobra.Command{
		Use:   "edit <offset> <text...>",
		Short: "Rewrite the player message after a timeline offset on a new branch",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runEdit,
	}

	regenCmd = &cobra.Command{
		Use:   "regen <offset>",
		Short: "Ask for a fresh reply after a timeline offset on a new branch",
		Args:  cobra.ExactArgs(1),
		RunE:  runRegen,
	}

	treeCmd = &cobra.Command{
		Use:   "tree",
		Short: "Show the branch tree",
		Args:  cobra.NoArgs,
		RunE:  runTree,
	}

	timelineCmd = &cobra.Command{
		Use:   "timeline [branch]",
		Short: "Show a branch's composed timeline",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTimeline,
	}

	forkCmd = &cobra.Command{
		Use:   "fork <offset>",
		Short: "Fork the active branch at a timeline offset",
		Args:  cobra.ExactArgs(1),
		RunE:  runFork,
	}

	mergeCmd = &cobra.Command{
		Use:   "merge <branch>",
		Short: "Fold a branch back into its parent",
		Args:  cobra.ExactArgs(1),
		RunE:  runMerge,
	}

	promoteCmd = &cobra.Command{
		Use:   "promote <branch>",
		Short: "Make a branch the story's mainline",
		Args:  cobra.ExactArgs(1),
		RunE:  runPromote,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete <branch>",
		Short: "Delete a branch, reparenting its children",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	switchCmd = &cobra.Command{
		Use:   "switch <branch>",
		Short: "Make a branch active",
		Args:  cobra.ExactArgs(1),
		RunE:  runSwitch,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Sweep stale siblings of the active branch",
		Args:  cobra.NoArgs,
		RunE:  runPrune,
	}

	unpruneCmd = &cobra.Command{
		Use:   "unprune <branch>",
		Short: "Recover a soft-pruned branch",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnprune,
	}

	protectCmd = &cobra.Command{
		Use:   "protect <branch>",
		Short: "Exempt a branch from auto-prune (--off to clear)",
		Args:  cobra.ExactArgs(1),
		RunE:  runProtect,
	}

	reconcileCmd = &cobra.Command{
		Use:   "reconcile",
		Short: "Retire or complete incomplete branches past their TTL",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}

	rebuildCmd = &cobra.Command{
		Use:   "rebuild [branch]",
		Short: "Rebuild a branch's search index from canonical state",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRebuild,
	}

	searchCmd = &cobra.Command{
		Use:   "search <query...>",
		Short: "Query a branch's search index",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	eventsCmd = &cobra.Command{
		Use:   "events [branch]",
		Short: "List a branch's tracked events",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runEvents,
	}

	exportCmd = &cobra.Command{
		Use:   "export <file>",
		Short: "Export the story database to a JSON bundle",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}

	importCmd = &cobra.Command{
		Use:   "import <file>",
		Short: "Import a JSON bundle into the story database",
		Args:  cobra.ExactArgs(1),
		RunE:  runImport,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the loom version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("loom", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&storyID, "story", "default", "story id")

	initCmd.Flags().StringVar(&schemaPath, "schema", "", "path to a state schema JSON file")
	initCmd.Flags().StringVar(&defaultsPath, "default-state", "", "path to a default state JSON file")

	sendCmd.Flags().StringVar(&branchFlag, "branch", "", "branch id (default: active)")
	editCmd.Flags().StringVar(&branchFlag, "branch", "", "branch id (default: active)")
	regenCmd.Flags().StringVar(&branchFlag, "branch", "", "branch id (default: active)")
	timelineCmd.Flags().StringVar(&branchFlag, "branch", "", "branch id (default: active)")

	forkCmd.Flags().StringVar(&branchFlag, "branch", "", "branch id (default: active)")
	forkCmd.Flags().StringVar(&forkName, "name", "", "name for the new branch")
	forkCmd.Flags().BoolVar(&forkBlank, "blank", false, "start from defaults, inheriting nothing")

	deleteCmd.Flags().BoolVar(&deleteHard, "hard", false, "remove data instead of flagging")
	protectCmd.Flags().BoolVar(&protectOff, "off", false, "clear protection instead of setting it")

	searchCmd.Flags().StringVar(&branchFlag, "branch", "", "branch id (default: active)")
	searchCmd.Flags().IntVar(&searchBudget, "budget", 0, "approximate token budget (0 = unlimited)")
	searchCmd.Flags().StringSliceVar(&searchCats, "category", nil, "restrict to categories")

	rootCmd.AddCommand(initCmd, sendCmd, editCmd, regenCmd, treeCmd, timelineCmd, forkCmd, mergeCmd,
		promoteCmd, deleteCmd, switchCmd, pruneCmd, unpruneCmd, protectCmd,
		reconcileCmd, rebuildCmd, searchCmd, eventsCmd, exportCmd, importCmd,
		versionCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	s, err := store.OpenStory(cfg.DataDir, storyID)
	if err != nil {
		return err
	}
	defer s.Close()

	if existing, err := s.GetStory(); err != nil {
		return err
	} else if existing != nil {
		return fmt.Errorf("story %q already initialized", storyID)
	}

	story := &store.Story{
		ID:             storyID,
		ActiveBranchID: store.RootBranchID,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if len(args) == 1 {
		story.Title = args[0]
	}
	if schemaPath != "" {
		raw, err := os.ReadFile(schemaPath)
		if err != nil {
			return err
		}
		if _, err := state.ParseSchema(raw); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
		story.SchemaJSON = raw
	}
	if defaultsPath != "" {
		raw, err := os.ReadFile(defaultsPath)
		if err != nil {
			return err
		}
		story.DefaultStateJSON = raw
	}

	if err := s.PutStory(story); err != nil {
		return err
	}
	if err := s.CreateBranch(&store.Branch{
		ID:         store.RootBranchID,
		Name:       "main",
		ForkOffset: store.ForkOffsetNone,
		CreatedAt:  time.Now().UnixMilli(),
	}); err != nil {
		return err
	}

	fmt.Printf("story %q initialized\n", storyID)
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, true)
	if err != nil {
		return err
	}
	defer done()

	b, err := resolveBranch(e, branchFlag)
	if err != nil {
		return err
	}

	_, reply, err := e.Send(context.Background(), b.ID, strings.Join(args, " "))
	if err != nil {
		return err
	}
	fmt.Println(reply.Content)
	return nil
}

func runEdit(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, true)
	if err != nil {
		return err
	}
	defer done()

	offset, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	b, err := resolveBranch(e, branchFlag)
	if err != nil {
		return err
	}

	child, err := e.Edit(context.Background(), b.ID, offset, strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Printf("edited onto %s (%s)\n", child.ID, child.Name)
	return nil
}

func runRegen(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, true)
	if err != nil {
		return err
	}
	defer done()

	offset, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	b, err := resolveBranch(e, branchFlag)
	if err != nil {
		return err
	}

	child, err := e.Regenerate(context.Background(), b.ID, offset)
	if err != nil {
		return err
	}
	fmt.Printf("regenerated onto %s (%s)\n", child.ID, child.Name)
	return nil
}

func runTree(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	branches, err := e.Tree()
	if err != nil {
		return err
	}
	active, err := e.ActiveBranch()
	if err != nil {
		return err
	}

	children := map[string][]*store.Branch{}
	var root *store.Branch
	for _, b := range branches {
		if b.Root() {
			root = b
			continue
		}
		children[b.ParentID] = append(children[b.ParentID], b)
	}
	if root == nil {
		return fmt.Errorf("no root branch")
	}

	var print func(b *store.Branch, depth int)
	print = func(b *store.Branch, depth int) {
		marks := ""
		if b.ID == active.ID {
			marks += " *active"
		}
		switch {
		case b.Deleted:
			marks += " (deleted)"
		case b.Merged:
			marks += " (merged)"
		case b.Pruned:
			marks += " (pruned)"
		case b.Incomplete:
			marks += " (incomplete)"
		}
		if b.Protected {
			marks += " [protected]"
		}
		offset := ""
		if !b.Root() && !b.Blank {
			offset = fmt.Sprintf(" @%d", b.ForkOffset)
		}
		fmt.Printf("%s%s (%s)%s%s\n", strings.Repeat("  ", depth), b.Name, b.ID, offset, marks)
		for _, c := range children[b.ID] {
			print(c, depth+1)
		}
	}
	print(root, 0)
	return nil
}

func runTimeline(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	id := branchFlag
	if len(args) == 1 {
		id = args[0]
	}
	b, err := resolveBranch(e, id)
	if err != nil {
		return err
	}

	tl, report, err := e.Timeline(b.ID)
	if err != nil {
		return err
	}
	for _, m := range tl {
		fmt.Printf("[%d] %s: %s\n", m.Index, m.Role, m.Content)
	}
	if report != nil {
		if report.MissingParent != "" {
			fmt.Printf("(composition started below missing ancestor %s)\n", report.MissingParent)
		}
		if report.Cycle {
			fmt.Println("(cycle in parent chain; longest acyclic prefix shown)")
		}
	}
	return nil
}

func runFork(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	offset, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	b, err := resolveBranch(e, branchFlag)
	if err != nil {
		return err
	}

	mode := engine.ForkContent
	if forkBlank {
		mode = engine.ForkBlank
	}
	child, err := e.Fork(context.Background(), b.ID, offset, mode, forkName)
	if err != nil {
		return err
	}
	fmt.Printf("forked %s -> %s (%s)\n", b.ID, child.ID, child.Name)
	return nil
}

func runMerge(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	if err := e.Merge(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("merged %s into its parent\n", args[0])
	return nil
}

func runPromote(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	if err := e.Promote(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("promoted %s to mainline\n", args[0])
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	if err := e.Delete(context.Background(), args[0], deleteHard); err != nil {
		return err
	}
	fmt.Printf("deleted %s (hard=%v)\n", args[0], deleteHard)
	return nil
}

func runSwitch(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	b, err := e.Switch(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("active branch: %s (%s)\n", b.Name, b.ID)
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	active, err := e.ActiveBranch()
	if err != nil {
		return err
	}
	pruned, err := e.AutoPrune(context.Background(), active.ID)
	if err != nil {
		return err
	}
	if len(pruned) == 0 {
		fmt.Println("nothing to prune")
		return nil
	}
	for _, id := range pruned {
		fmt.Println("pruned", id)
	}
	return nil
}

func runUnprune(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	return e.Unprune(args[0])
}

func runProtect(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	return e.Protect(args[0], !protectOff)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()
	retired, completed, err := e.Reconcile(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("retired %d, completed %d\n", len(retired), len(completed))
	return nil
}

func runRebuild(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	b, err := resolveBranch(e, id)
	if err != nil {
		return err
	}
	if err := e.State().RebuildIndex(b.ID); err != nil {
		return err
	}
	fmt.Printf("index rebuilt for %s\n", b.ID)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	b, err := resolveBranch(e, branchFlag)
	if err != nil {
		return err
	}
	results, err := e.State().Search(b.ID, strings.Join(args, " "), state.SearchOptions{
		Budget:     searchBudget,
		Categories: searchCats,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return nil
	}
	fmt.Println(state.FormatResults(results))
	return nil
}

func runEvents(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	id := ""
	if len(args) == 1 {
		id = args[0]
	}
	b, err := resolveBranch(e, id)
	if err != nil {
		return err
	}
	events, err := e.Store().ListEvents(b.ID, 0)
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("[%s] %s (%s, at %d)\n", ev.Status, ev.Title, ev.Type, ev.MessageIndex)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	e, done, err := openEngine(storyID, false)
	if err != nil {
		return err
	}
	defer done()

	data, err := e.Store().Export()
	if err != nil {
		return err
	}
	if err := os.WriteFile(args[0], data, 0o644); err != nil {
		return err
	}
	fmt.Printf("exported %d bytes to %s\n", len(data), args[0])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	s, err := store.OpenStory(cfg.DataDir, storyID)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Import(data); err != nil {
		return err
	}
	fmt.Printf("imported %s into story %q\n", args[0], storyID)
	return nil
}
