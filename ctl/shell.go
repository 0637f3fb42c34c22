// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"vitess.io/vitess/go/vt/sqlparser"

	"github.com/featurebasedb/dbtx"
	"github.com/featurebasedb/dbtx/errors"
	"github.com/featurebasedb/dbtx/sqldb"
)

const (
	shellPromptBegin   = "dbtx> "
	shellPromptMid     = "   -> "
	shellPromptInBlock = "dbtx*> "
	terminationChar    = ";"
	nullValue          = "NULL"
)

// ShellCommand is an interactive SQL shell with the transaction machinery in
// front of the connection. Plain SQL goes to the target; statements starting
// with a backslash drive atomic blocks, so the block protocol can be
// explored by hand: open nested blocks, poison them, watch which writes
// survive. Raw BEGIN/COMMIT/ROLLBACK statements are routed through the
// guarded helpers on purpose, so their misuse errors inside a block are
// visible instead of silently confusing the server.
type ShellCommand struct {
	// DSN is the target, in scheme://... form.
	DSN string

	// HistoryPath is where readline history is kept. Empty picks
	// ~/.dbtx/shell_history, falling back to no persistence.
	HistoryPath string

	*dbtx.CmdIO

	reg     *dbtx.Registry
	conn    *dbtx.Conn
	session *sqldb.Session

	// blocks are the handles of the \begin blocks currently open, paired
	// with the poison decision taken for each via \rollback.
	blocks []*dbtx.Atomic
}

// NewShellCommand returns a new instance of ShellCommand.
func NewShellCommand(stdin io.Reader, stdout, stderr io.Writer) *ShellCommand {
	return &ShellCommand{
		CmdIO: dbtx.NewCmdIO(stdin, stdout, stderr),
	}
}

// connectTo points the shell at an already registered connection. Tests use
// this to run the shell against a scripted driver; Run wires up a real one
// from DSN when no connection is set.
func (cmd *ShellCommand) connectTo(reg *dbtx.Registry, id dbtx.ConnectionID) error {
	c, err := reg.Connection(id)
	if err != nil {
		return err
	}
	cmd.reg = reg
	cmd.conn = c
	if s, err := sqldb.NewSession(c); err == nil {
		cmd.session = s
	}
	return nil
}

func (cmd *ShellCommand) setup(ctx context.Context) error {
	if cmd.conn != nil {
		return nil
	}
	d, err := sqldb.OpenDSN(ctx, cmd.DSN, sqldb.OptDriverLogger(cmd.Logger()))
	if err != nil {
		return errors.Wrap(err, "opening target")
	}
	reg, err := dbtx.NewRegistry(dbtx.OptRegistryLogger(cmd.Logger()))
	if err != nil {
		_ = d.Close()
		return err
	}
	if _, err := reg.Register("shell", d); err != nil {
		_ = d.Close()
		return err
	}
	return cmd.connectTo(reg, "shell")
}

func (cmd *ShellCommand) setupHistory() {
	if cmd.HistoryPath != "" {
		return
	}
	home, err := os.UserHomeDir()
	if err != nil {
		cmd.Printf("Error getting home directory, command history persistence will be disabled: %v\n", err)
		return
	}
	dir := filepath.Join(home, ".dbtx")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		cmd.Printf("Creating directory for history: %v\n", err)
		return
	}
	cmd.HistoryPath = filepath.Join(dir, "shell_history")
}

// Run starts the read-eval-print loop and blocks until \q or EOF.
func (cmd *ShellCommand) Run(ctx context.Context) error {
	if err := cmd.setup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := cmd.conn.Close(); err != nil {
			cmd.Printf("closing connection: %v\n", err)
		}
	}()
	cmd.setupHistory()
	cmd.Printf("dbtx shell (%s)\nType \\q to quit, \\? for help.\n", dbtx.VersionInfo())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:                 shellPromptBegin,
		HistoryFile:            cmd.HistoryPath,
		HistoryLimit:           100000,
		DisableAutoSaveHistory: true,
		Stdin:                  io.NopCloser(cmd.Stdin),
		Stdout:                 cmd.Stdout,
		Stderr:                 cmd.Stderr,
	})
	if err != nil {
		return errors.Wrap(err, "getting readline")
	}
	defer rl.Close()

	var partial string
	for {
		switch {
		case partial != "":
			rl.SetPrompt(shellPromptMid)
		case cmd.conn.InAtomicBlock():
			rl.SetPrompt(shellPromptInBlock)
		default:
			rl.SetPrompt(shellPromptBegin)
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			partial = ""
			continue
		} else if err != nil {
			// EOF ends the session like \q.
			return nil
		}

		trimmed := strings.TrimSpace(line)
		if partial == "" && strings.HasPrefix(trimmed, `\`) {
			_ = rl.SaveHistory(trimmed)
			quit, err := cmd.runMeta(ctx, trimmed)
			if err != nil {
				cmd.Printf("%v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		partial += line + "\n"
		if !strings.Contains(line, terminationChar) {
			if strings.TrimSpace(partial) == "" {
				partial = ""
			}
			continue
		}
		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(partial), terminationChar))
		partial = ""
		if stmt == "" {
			continue
		}
		_ = rl.SaveHistory(stmt + terminationChar)
		if err := cmd.runStatement(ctx, stmt); err != nil {
			cmd.Printf("%v\n", err)
		}
	}
}

// runMeta handles a backslash command. It reports whether the shell should
// quit.
func (cmd *ShellCommand) runMeta(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case `\q`, `\quit`:
		// Exit any blocks left open, rolling them back; quitting should
		// never commit half-typed work.
		for range cmd.blocks {
			_ = cmd.conn.SetRollback(true)
			_ = cmd.exitBlock(ctx, nil)
		}
		return true, nil

	case `\?`, `\help`:
		cmd.Printf(`\begin [nosp] [durable]  open an atomic block
\commit                  exit the innermost block cleanly
\rollback                mark the innermost block and exit it
\state                   show the connection's transaction state
\hook [msg]              register an on-commit hook printing msg
\q                       quit
Other input is SQL, terminated by ;
`)
		return false, nil

	case `\begin`:
		var opts []dbtx.AtomicOption
		for _, arg := range fields[1:] {
			switch arg {
			case "nosp":
				opts = append(opts, dbtx.OptAtomicNoSavepoint())
			case "durable":
				opts = append(opts, dbtx.OptAtomicDurable())
			default:
				return false, errors.Errorf(`\begin: unknown option '%s'`, arg)
			}
		}
		a := cmd.reg.Atomic(cmd.conn.ID(), opts...)
		if err := a.Enter(ctx); err != nil {
			return false, err
		}
		cmd.blocks = append(cmd.blocks, a)
		cmd.Printf("block opened (depth %d)\n", cmd.conn.Depth())
		return false, nil

	case `\commit`:
		if len(cmd.blocks) == 0 {
			// No block of ours: raw commit, guarded.
			return false, cmd.conn.Commit(ctx)
		}
		return false, cmd.exitBlock(ctx, nil)

	case `\rollback`:
		if len(cmd.blocks) == 0 {
			return false, cmd.conn.Rollback(ctx)
		}
		if err := cmd.conn.SetRollback(true); err != nil {
			return false, err
		}
		return false, cmd.exitBlock(ctx, nil)

	case `\state`:
		cmd.printState()
		return false, nil

	case `\hook`:
		msg := "hook fired"
		if len(fields) > 1 {
			msg = strings.Join(fields[1:], " ")
		}
		err := cmd.conn.OnCommit(func() error {
			cmd.Printf("%s\n", msg)
			return nil
		}, true)
		return false, err

	default:
		return false, errors.Errorf(`unknown command '%s'; try \?`, fields[0])
	}
}

// exitBlock exits the innermost \begin block.
func (cmd *ShellCommand) exitBlock(ctx context.Context, cause error) error {
	a := cmd.blocks[len(cmd.blocks)-1]
	cmd.blocks = cmd.blocks[:len(cmd.blocks)-1]
	err := a.Exit(ctx, cause)
	cmd.Printf("block closed (depth %d)\n", cmd.conn.Depth())
	return err
}

func (cmd *ShellCommand) printState() {
	rollback := false
	if cmd.conn.InAtomicBlock() {
		rollback, _ = cmd.conn.GetRollback()
	}
	cmd.Printf("autocommit:     %v\n", cmd.conn.GetAutocommit())
	cmd.Printf("in block:       %v (depth %d)\n", cmd.conn.InAtomicBlock(), cmd.conn.Depth())
	cmd.Printf("needs rollback: %v\n", rollback)
	if cause := cmd.conn.RollbackCause(); cause != nil {
		cmd.Printf("cause:          %v\n", cause)
	}
}

// runStatement classifies one SQL statement and routes it. Transaction
// control statements go through the guarded helpers rather than to the
// server, so the shell's block state can't be bypassed by typing BEGIN.
func (cmd *ShellCommand) runStatement(ctx context.Context, stmt string) error {
	if cmd.session == nil {
		return errors.Errorf("connection has no statement surface; only \\ commands work")
	}
	switch sqlparser.Preview(stmt) {
	case sqlparser.StmtBegin:
		return cmd.conn.SetAutocommit(ctx, false, true)
	case sqlparser.StmtCommit:
		return cmd.conn.Commit(ctx)
	case sqlparser.StmtRollback:
		return cmd.conn.Rollback(ctx)
	case sqlparser.StmtSelect, sqlparser.StmtShow:
		start := time.Now()
		rows, err := cmd.session.QueryContext(ctx, stmt)
		if err != nil {
			return err
		}
		defer rows.Close()
		n, err := cmd.renderRows(rows)
		if err != nil {
			return err
		}
		cmd.Printf("%d rows (%s)\n", n, time.Since(start).Round(time.Millisecond))
		return nil
	default:
		start := time.Now()
		res, err := cmd.session.ExecContext(ctx, stmt)
		if err != nil {
			return err
		}
		affected, _ := res.RowsAffected()
		cmd.Printf("%d rows affected (%s)\n", affected, time.Since(start).Round(time.Millisecond))
		return nil
	}
}

// renderRows prints a result set as a table and returns the row count.
func (cmd *ShellCommand) renderRows(rows *sql.Rows) (int, error) {
	cols, err := rows.Columns()
	if err != nil {
		return 0, errors.Wrap(err, "reading columns")
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)
	t.Style().Format.Header = text.FormatDefault
	header := make(table.Row, len(cols))
	for i, col := range cols {
		header[i] = col
	}
	t.AppendHeader(header)

	var n int
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return n, errors.Wrap(err, "scanning row")
		}
		row := make(table.Row, len(cols))
		for i, v := range vals {
			switch tv := v.(type) {
			case nil:
				// go-pretty doesn't expect nil values in rows.
				row[i] = nullValue
			case []byte:
				row[i] = string(tv)
			default:
				row[i] = tv
			}
		}
		t.AppendRow(row)
		n++
	}
	if err := rows.Err(); err != nil {
		return n, errors.Wrap(err, "iterating rows")
	}
	t.Render()
	return n, nil
}
