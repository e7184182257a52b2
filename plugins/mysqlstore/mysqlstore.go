// Package mysqlstore 打开共享的 MySQL 连接池，并记录每次运行的启动与停止时间。
package mysqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "appbase/internal/errors"
	"appbase/internal/retry"
	"appbase/pkg/options"
	"appbase/pkg/plugin"
)

// Name 是插件在注册表中的名称。
const Name = "mysqlstore"

var tablePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

func init() {
	plugin.RegisterFactory(Name, func() plugin.Plugin { return New() })
}

// Config 描述连接池参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
	Table           string
}

// Plugin 持有连接池，Start 时插入运行记录，Stop 时补写停止时间。
type Plugin struct {
	plugin.Base

	cfg      Config
	instance string
	open     func(driver, dsn string) (*sql.DB, error)

	db    *sql.DB
	runID int64
	log   *slog.Logger
}

// New 创建 MySQL 插件。
func New() *Plugin {
	return &Plugin{Base: plugin.NewBase(Name), open: sql.Open}
}

// Description 实现 plugin.Describer。
func (p *Plugin) Description() string {
	return "shared MySQL pool recording run start and stop times"
}

// DeclareOptions 实现 plugin.Plugin。
func (p *Plugin) DeclareOptions(_, cfg *options.Set) {
	cfg.String("mysql-dsn", "", "MySQL data source name, for example user:pass@tcp(127.0.0.1:3306)/appbase")
	cfg.Int("mysql-max-open-conns", 20, "Maximum open connections")
	cfg.Int("mysql-max-idle-conns", 10, "Maximum idle connections")
	cfg.Duration("mysql-conn-max-lifetime", 30*time.Minute, "Maximum connection lifetime")
	cfg.Duration("mysql-conn-max-idle-time", 0, "Maximum connection idle time, 0 for unlimited")
	cfg.Duration("mysql-connect-timeout", 10*time.Second, "Total time spent retrying the initial connection")
	cfg.String("mysql-table", "appbase_runs", "Table receiving run records")
}

// Configure 实现 plugin.Plugin。
func (p *Plugin) Configure(ctx *plugin.Context) error {
	cfg := Config{
		DSN:             strings.TrimSpace(ctx.Options.String("mysql-dsn")),
		MaxOpenConns:    ctx.Options.Int("mysql-max-open-conns"),
		MaxIdleConns:    ctx.Options.Int("mysql-max-idle-conns"),
		ConnMaxLifetime: ctx.Options.Duration("mysql-conn-max-lifetime"),
		ConnMaxIdleTime: ctx.Options.Duration("mysql-conn-max-idle-time"),
		ConnectTimeout:  ctx.Options.Duration("mysql-connect-timeout"),
		Table:           ctx.Options.String("mysql-table"),
	}
	if cfg.DSN == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空", xerrors.WithPlugin(Name))
	}
	if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MySQL DSN 格式错误", xerrors.WithPlugin(Name))
	}
	if !tablePattern.MatchString(cfg.Table) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid mysql-table %q", cfg.Table), xerrors.WithPlugin(Name))
	}
	p.cfg = cfg
	p.instance = ctx.Instance
	return nil
}

// Start 实现 plugin.Plugin。
func (p *Plugin) Start(ctx *plugin.Context) error {
	p.log = ctx.Logger
	db, err := p.openDatabase(ctx.C)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "连接 MySQL 失败", xerrors.WithPlugin(Name))
	}
	if err := p.recordStart(ctx.C, db); err != nil {
		_ = db.Close()
		return xerrors.Wrap(xerrors.CodeDependencyFailed, err, "写入运行记录失败", xerrors.WithPlugin(Name))
	}
	p.db = db
	p.log.Info("mysql connected", slog.String("table", p.cfg.Table), slog.Int64("run", p.runID))
	return nil
}

// Stop 实现 plugin.Plugin。
func (p *Plugin) Stop(ctx *plugin.Context) error {
	if p.db == nil {
		return nil
	}
	stopCtx, cancel := context.WithTimeout(ctx.C, 5*time.Second)
	defer cancel()
	var errs []error
	query := fmt.Sprintf("UPDATE %s SET stopped_at = ? WHERE id = ?", p.cfg.Table)
	if _, err := p.db.ExecContext(stopCtx, query, time.Now().UTC(), p.runID); err != nil {
		errs = append(errs, fmt.Errorf("更新运行记录失败: %w", err))
	}
	if err := p.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("关闭 MySQL 连接失败: %w", err))
	}
	p.db = nil
	return errors.Join(errs...)
}

// DB 返回共享连接池，Start 之前为 nil。
func (p *Plugin) DB() *sql.DB {
	return p.db
}

// RunID 返回本次运行记录的主键。
func (p *Plugin) RunID() int64 {
	return p.runID
}

func (p *Plugin) openDatabase(ctx context.Context) (*sql.DB, error) {
	db, err := p.open("mysql", p.cfg.DSN)
	if err != nil {
		return nil, err
	}

	if p.cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(p.cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if p.cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(p.cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if p.cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(p.cfg.ConnMaxIdleTime)
	}

	err = retry.Do(ctx, retry.Config{Timeout: p.cfg.ConnectTimeout}, func(c context.Context) error {
		err := db.PingContext(c)
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) {
			// 服务端拒绝（如认证失败）无需重试。
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (p *Plugin) recordStart(ctx context.Context, db *sql.DB) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	instance VARCHAR(64) NOT NULL,
	started_at DATETIME(6) NOT NULL,
	stopped_at DATETIME(6) NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, p.cfg.Table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (instance, started_at) VALUES (?, ?)", p.cfg.Table)
	res, err := db.ExecContext(ctx, query, p.instance, time.Now().UTC())
	if err != nil {
		return err
	}
	p.runID, err = res.LastInsertId()
	return err
}
