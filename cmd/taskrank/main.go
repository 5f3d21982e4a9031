package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"taskrank/internal/app"
	"taskrank/internal/config"
	"taskrank/internal/db"
	"taskrank/internal/domain"
	"taskrank/internal/engine"
	"taskrank/internal/logging"
	"taskrank/internal/ranking"
	"taskrank/internal/repo"
	"taskrank/internal/server"
	"taskrank/internal/urgency"
)

var rootCmd = &cobra.Command{
	Use:   "taskrank",
	Short: "taskrank CLI",
	Long: `taskrank keeps a personal task list ranked by urgency.
- Tasks: work, home or skill items with an importance (1-5), an effort estimate in hours and an optional due date. A task may have one level of subtasks.
- Urgency: a score computed from effort, importance and days left using a configurable formula; overdue tasks always rank first.
- Levels: scores are classified high, medium or low against configurable thresholds.
- History: completing a task (and its subtasks) writes completion records used for effort statistics.
- Event log: every change is recorded, view it with 'taskrank log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TASKRANK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(rankCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(settingCmd())
	rootCmd.AddCommand(formulaCmd())
	rootCmd.AddCommand(thresholdsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are work, home or skill items. Completing a task completes its subtasks too and records the effort spent in the history.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskTreeCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskEditCmd())
	task.AddCommand(taskDoneCmd())
	task.AddCommand(taskUndoneCmd())
	task.AddCommand(taskRemoveCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Type, "type", string(domain.TypeWork), "task type (work, home, skill)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "task name")
	cmd.Flags().StringVar(&opts.DueDate, "due", "", "due date (YYYY-MM-DD or RFC3339)")
	cmd.Flags().IntVar(&opts.Importance, "importance", 3, "importance 1-5")
	cmd.Flags().Float64Var(&opts.EffortHours, "effort", 1, "effort estimate in hours")
	cmd.Flags().Int64Var(&opts.ParentID, "parent", 0, "parent task id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tasks, err := a.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Name", "Due", "Imp", "Effort", "Parent", "Status"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Type, t.Name, deref(t.DueDate), t.Importance, t.EffortHours, parentLabel(t.ParentID), t.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (active, done)")
	cmd.Flags().BoolVar(&f.Subtasks, "subtasks", false, "only subtasks")
	cmd.Flags().Int64Var(&f.ParentID, "parent", 0, "only subtasks of this task")
	return cmd
}

func taskTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Show active tasks with their subtasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				views, err := a.Engine.GetActiveTasks(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				for i, v := range views {
					printTaskTree(v, i == len(views)-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTask(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskEditCmd() *cobra.Command {
	var typ, name, due string
	var importance int
	var effort float64
	var parent int64
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update task fields",
		Long:  "Only the flags given are changed. --due \"\" clears the due date; --parent 0 makes the task top-level.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts := engine.TaskUpdateOptions{ID: id}
			if cmd.Flags().Changed("type") {
				opts.Type = &typ
			}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("due") {
				opts.DueDate = &due
			}
			if cmd.Flags().Changed("importance") {
				opts.Importance = &importance
			}
			if cmd.Flags().Changed("effort") {
				opts.EffortHours = &effort
			}
			if cmd.Flags().Changed("parent") {
				opts.ParentID = &parent
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "task type")
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&due, "due", "", "due date")
	cmd.Flags().IntVar(&importance, "importance", 0, "importance 1-5")
	cmd.Flags().Float64Var(&effort, "effort", 0, "effort estimate in hours")
	cmd.Flags().Int64Var(&parent, "parent", 0, "parent task id")
	return cmd
}

func taskDoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "done <id>",
		Short: "Complete a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTask(cmd, args[0], func(ctx context.Context, a *app.App, id int64) error {
				return a.Engine.CompleteTask(ctx, id)
			})
		},
	}
	return cmd
}

func taskUndoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undone <id>",
		Short: "Reopen a task and drop its completion records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutateTask(cmd, args[0], func(ctx context.Context, a *app.App, id int64) error {
				return a.Engine.UncompleteTask(ctx, id)
			})
		},
	}
	return cmd
}

func taskRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a task and its subtasks (history is kept)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.DeleteTask(ctx, id); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"deleted": id})
				}
				fmt.Printf("deleted task %d\n", id)
				return nil
			})
		},
	}
	return cmd
}

func mutateTask(cmd *cobra.Command, arg string, fn func(context.Context, *app.App, int64) error) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := fn(ctx, a, id); err != nil {
			return err
		}
		t, err := a.Engine.GetTask(ctx, id)
		if err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

func rankCmd() *cobra.Command {
	var typ string
	var grouped bool
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Show active tasks ordered by urgency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ranked, err := a.Ranking.Refresh(ctx)
				if err != nil {
					return err
				}
				if grouped {
					groups := ranking.GroupByType(ranked, typ)
					if viper.GetBool("json") {
						return printJSON(groups)
					}
					for _, t := range domain.TaskTypes {
						if len(groups[t]) == 0 {
							continue
						}
						fmt.Printf("%s\n", strings.ToUpper(string(t)))
						renderRanking(groups[t])
					}
					return nil
				}
				filtered := make([]domain.RankedTask, 0, len(ranked))
				for _, r := range ranked {
					if typ == "" || typ == "all" || string(r.Type) == typ {
						filtered = append(filtered, r)
					}
				}
				if viper.GetBool("json") {
					return printJSON(filtered)
				}
				renderRanking(filtered)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "all", "task type filter (all, work, home, skill)")
	cmd.Flags().BoolVar(&grouped, "grouped", false, "group by task type")
	return cmd
}

func renderRanking(ranked []domain.RankedTask) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "ID", "Type", "Name", "Due", "Effort", "Score", "Level"})
	for i, r := range ranked {
		tw.AppendRow(table.Row{i + 1, r.ID, r.Type, r.Name, deref(r.DueDate), r.TotalEffortHours, scoreLabel(r.Urgency.Score), r.Urgency.Level})
	}
	tw.Render()
}

func historyCmd() *cobra.Command {
	var start, end string
	hist := &cobra.Command{
		Use:   "history",
		Short: "Completion history",
		Long:  "Every completed task leaves a record with its effort. Bound queries with --start/--end (inclusive, YYYY-MM-DD or RFC3339).",
	}
	hist.PersistentFlags().StringVar(&start, "start", "", "range start")
	hist.PersistentFlags().StringVar(&end, "end", "", "range end")
	rangeOf := func() (domain.DateRange, error) { return domain.ParseDateRange(start, end) }

	hist.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List completion records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rangeOf()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				records, err := a.Ledger.GetHistory(ctx, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Completed", "Task", "Name", "Type", "Effort", "Parent"})
				for _, h := range records {
					tw.AppendRow(table.Row{h.CompletedAt, h.TaskID, h.TaskName, h.TaskType, h.EffortHours, parentLabel(h.ParentID)})
				}
				tw.Render()
				return nil
			})
		},
	})
	hist.AddCommand(&cobra.Command{
		Use:   "tree",
		Short: "Completion records with subtasks under their parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rangeOf()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				nodes, err := a.Ledger.GetHierarchicalHistory(ctx, r)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(nodes)
				}
				for _, n := range nodes {
					fmt.Printf("%s  %s (%s, %.1fh)\n", n.CompletedAt, n.TaskName, n.TaskType, n.EffortHours)
					for i, s := range n.Subtasks {
						connector := "├── "
						if i == len(n.Subtasks)-1 {
							connector = "└── "
						}
						fmt.Printf("    %s%s (%.1fh)\n", connector, s.TaskName, s.EffortHours)
					}
				}
				return nil
			})
		},
	})
	hist.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Effort totals by type and date",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rangeOf()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Ledger.GetEffortStats(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	})
	hist.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Completion counts and averages",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := rangeOf()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Ledger.Summary(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(sum)
			})
		},
	})
	return hist
}

func settingCmd() *cobra.Command {
	set := &cobra.Command{
		Use:   "setting",
		Short: "Read and write stored settings",
	}
	set.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Settings.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Version", "Updated", "Value"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.Key, s.Version, s.UpdatedAt, string(s.Value)})
				}
				tw.Render()
				return nil
			})
		},
	})
	set.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Show a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Settings.GetSetting(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	set.AddCommand(&cobra.Command{
		Use:   "set <key> <json>",
		Short: "Create or overwrite a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Settings.UpdateSetting(ctx, args[0], json.RawMessage(args[1]))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	return set
}

func formulaCmd() *cobra.Command {
	f := &cobra.Command{
		Use:   "formula",
		Short: "Urgency formula",
		Long:  "The formula scores dated tasks from effort, importance and daysLeft. It supports + - * / % ^, parentheses and max, min, pow, abs, sqrt (a Math. prefix is accepted).",
	}
	f.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active formula",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Urgency.Formula(ctx))
			})
		},
	})
	var description string
	setCmd := &cobra.Command{
		Use:   "set <formula>",
		Short: "Validate and store a new formula",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Urgency.SetFormula(ctx, args[0], description)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	setCmd.Flags().StringVar(&description, "description", "", "human readable description")
	f.AddCommand(setCmd)

	var in urgency.Inputs
	testCmd := &cobra.Command{
		Use:   "test <formula>",
		Short: "Evaluate a formula against sample inputs without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				score, err := a.Urgency.EvaluateFormula(args[0], in)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"inputs": in,
					"score":  score,
					"level":  a.Urgency.GetUrgencyLevel(ctx, score),
				})
			})
		},
	}
	testCmd.Flags().Float64Var(&in.Effort, "effort", 1, "effort hours")
	testCmd.Flags().Float64Var(&in.Importance, "importance", 3, "importance")
	testCmd.Flags().Float64Var(&in.DaysLeft, "days-left", 1, "days until due")
	f.AddCommand(testCmd)
	return f
}

func thresholdsCmd() *cobra.Command {
	th := &cobra.Command{
		Use:   "thresholds",
		Short: "Urgency level thresholds",
	}
	th.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active thresholds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(a.Urgency.Thresholds(ctx))
			})
		},
	})
	var want domain.Thresholds
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Store new thresholds (high >= medium >= 0)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				s, err := a.Urgency.SetThresholds(ctx, want)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	setCmd.Flags().Float64Var(&want.High, "high", urgency.DefaultThresholds.High, "minimum score for high")
	setCmd.Flags().Float64Var(&want.Medium, "medium", urgency.DefaultThresholds.Medium, "minimum score for medium")
	th.AddCommand(setCmd)
	th.AddCommand(&cobra.Command{
		Use:   "level <score>",
		Short: "Classify a score",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid score %q", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return printJSONOrTable(map[string]any{"score": score, "level": a.Urgency.GetUrgencyLevel(ctx, score)})
			})
		},
	})
	return th
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace config file",
		Long:  "taskrank.yml holds logging, server and history options plus the urgency formula and thresholds seeded into an empty settings table.",
	}
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskrank.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate taskrank.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every task and setting change, newest first. Events of one cascade share an op_id.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Op", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, shortOp(e.OpID), e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind (task, setting)")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&f.OpID, "op-id", "", "operation id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("addr") && a.Config.Server.Addr != "" {
					addr = a.Config.Server.Addr
				}
				if !cmd.Flags().Changed("base-path") && a.Config.Server.BasePath != "" {
					basePath = a.Config.Server.BasePath
				}
				if _, err := a.Ranking.Refresh(ctx); err != nil {
					return err
				}
				handler, err := server.New(server.Config{App: a, BasePath: basePath, Log: a.Log.Named("http")})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				a.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
				fmt.Printf("Serving taskrank API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8420", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	if lvl := viper.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Open(ctx, app.Options{Workspace: workspace, Config: cfg, Log: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTaskTree(v domain.TaskView, last bool) {
	connector := "├── "
	prefix := "│   "
	if last {
		connector = "└── "
		prefix = "    "
	}
	fmt.Printf("%s%d %s [%s, %.1fh]\n", connector, v.ID, v.Name, v.Type, v.TotalEffortHours)
	for i, s := range v.Subtasks {
		sub := "├── "
		if i == len(v.Subtasks)-1 {
			sub = "└── "
		}
		fmt.Printf("%s%s%d %s [%.1fh]\n", prefix, sub, s.ID, s.Name, s.EffortHours)
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func parentLabel(id *int64) string {
	if id == nil {
		return ""
	}
	return strconv.FormatInt(*id, 10)
}

func scoreLabel(score float64) string {
	if score == urgency.Overdue {
		return "overdue"
	}
	return strconv.FormatFloat(score, 'f', 2, 64)
}

func shortOp(opID string) string {
	if len(opID) > 8 {
		return opID[:8]
	}
	return opID
}
