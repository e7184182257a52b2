package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"appbase/internal/observability/alerting"
	"appbase/pkg/app"
	"appbase/pkg/logger"
	"appbase/pkg/plugin"

	_ "appbase/plugins/amqpbridge"
	_ "appbase/plugins/chainwatch"
	_ "appbase/plugins/health"
	_ "appbase/plugins/heartbeat"
	_ "appbase/plugins/metrics"
	_ "appbase/plugins/mysqlstore"
	_ "appbase/plugins/redisstore"
)

// Version 在构建时通过 -ldflags 注入。
var (
	Version       = "0.1.0"
	VersionNumber uint64
)

const (
	envPluginObjects = "APPBASE_PLUGIN_OBJECTS"
	envAlertWebhook  = "APPBASE_ALERT_WEBHOOK"
)

// autostart 列出无需 --plugin 也会启用的插件。
var autostart = []string{"heartbeat"}

// execute 运行命令行并返回进程退出码。
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	code := app.ExitOK
	root := newRootCommand(stdout, &code)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		if err != errSilent {
			fmt.Fprintln(stderr, "appbased:", err)
		}
		if code == app.ExitOK {
			code = app.ExitConfigureError
		}
	}
	return code
}

func newRootCommand(stdout io.Writer, code *int) *cobra.Command {
	root := &cobra.Command{
		Use:   "appbased [options]",
		Short: "Plugin host built on the appbase lifecycle",
		Long: `appbased hosts every compiled-in plugin and any shared-object plugin listed
in $APPBASE_PLUGIN_OBJECTS. Plugins are enabled with --plugin; run
"appbased --help" for the full option list and "appbased plugins" for the
available plugins.`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := runApplication(cmd.Context(), args, stdout)
			*code = app.ExitCode(err)
			if *code == app.ExitOK {
				return nil
			}
			// 应用自身已经记录了错误。
			return errSilent
		},
	}
	root.AddCommand(newPluginsCommand())
	return root
}

var errSilent = silentError{}

type silentError struct{}

func (silentError) Error() string { return "" }

func runApplication(ctx context.Context, args []string, stdout io.Writer) error {
	opts := []app.Option{
		app.WithName("appbased"),
		app.WithVersion(VersionNumber),
		app.WithVersionString(Version),
		app.WithOutput(stdout),
	}
	if objects := os.Getenv(envPluginObjects); objects != "" {
		opts = append(opts, app.WithPluginObjects(filepath.SplitList(objects)...))
	}
	if url := strings.TrimSpace(os.Getenv(envAlertWebhook)); url != "" {
		opts = append(opts, app.WithAlertDispatcher(alerting.NewFanout(
			&alerting.LogNotifier{Logger: logger.Named("alert")},
			&alerting.WebhookNotifier{URL: url},
		)))
	}

	a, err := app.New(opts...)
	if err != nil {
		return err
	}
	if err := a.RegisterFactories(); err != nil {
		return err
	}
	if err := a.Configure(ctx, args, autostart...); err != nil {
		return err
	}
	return a.Exec(ctx)
}

func newPluginsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the compiled-in plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := newListing(cmd.OutOrStdout())
			for _, name := range plugin.Factories() {
				f, _ := plugin.LookupFactory(name)
				p := f()
				desc := ""
				if d, ok := p.(plugin.Describer); ok {
					desc = d.Description()
				}
				requires := "-"
				if r := p.Requires(); len(r) > 0 {
					requires = strings.Join(r, ",")
				}
				w.Append([]string{name, requires, desc})
			}
			w.Render()
			return nil
		},
	}
}

// newListing 返回无边框、左对齐的纯文本表格。
func newListing(out io.Writer) *tablewriter.Table {
	w := tablewriter.NewWriter(out)
	w.SetAutoWrapText(false)
	w.SetAlignment(tablewriter.ALIGN_LEFT)
	w.SetBorder(false)
	w.SetHeaderLine(false)
	w.SetColumnSeparator("")
	w.SetCenterSeparator("")
	w.SetRowSeparator("")
	w.SetTablePadding("  ")
	w.SetNoWhiteSpace(true)
	return w
}
