// Package cli is the interactive operator console: a readline-driven loop
// offering a handful of diagnostic and maintenance commands alongside the
// running notification pipeline. It integrates with lifecycle the same way
// as every other subsystem: Start/Stop are idempotent and Stop blocks until
// the read loop has actually exited.
package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/kbwatch/keywordwatcher/internal/domain/patience"
	"github.com/kbwatch/keywordwatcher/internal/domain/store"
	"github.com/kbwatch/keywordwatcher/internal/infra/config"
	"github.com/kbwatch/keywordwatcher/internal/infra/logger"
	"github.com/kbwatch/keywordwatcher/internal/infra/pr"
	"golang.org/x/term"
)

// Version is the build's user-visible version string, set by main via
// -ldflags in a release build; "dev" otherwise.
var Version = "dev"

type commandDescriptor struct {
	name        string
	description string
}

var commandDescriptors = []commandDescriptor{
	{name: "help", description: "Show available commands with short descriptions"},
	{name: "status", description: "Show outstanding patience tasks and configuration summary"},
	{name: "backup", description: "Run an immediate database backup"},
	{name: "token", description: "Replace the in-memory bot token (masked entry, not persisted to disk)"},
	{name: "version", description: "Print keywordwatcher version"},
	{name: "exit", description: "Stop the console and terminate the service"},
}

// Service is the CLI console, wired into lifecycle.
type Service struct {
	store    *store.Store
	patience *patience.Controller
	cfg      *config.Config
	dbPath   string
	stopApp  context.CancelFunc

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	onceStart sync.Once
	onceStop  sync.Once
}

// NewService builds a CLI console. stopApp is used to request full
// application shutdown from the "exit" command or Ctrl-C on an empty line.
func NewService(s *store.Store, p *patience.Controller, cfg *config.Config, dbPath string, stopApp context.CancelFunc) *Service {
	return &Service{store: s, patience: p, cfg: cfg, dbPath: dbPath, stopApp: stopApp}
}

// Start runs the read loop in a background goroutine. Repeated calls are
// no-ops.
func (s *Service) Start(ctx context.Context) {
	s.onceStart.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(runCtx)
		}()
	})
}

// Stop requests application shutdown, interrupts a pending Readline call,
// cancels the local context, and waits for the read loop to exit.
func (s *Service) Stop() {
	s.onceStop.Do(func() {
		if s.stopApp != nil {
			s.stopApp()
		}
		if rl := pr.Rl(); rl != nil {
			pr.InterruptReadline()
		}
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Service) run(ctx context.Context) {
	logger.Debug("cli run started")
	pr.SetPrompt("> ")
	pr.Println("keywordwatcher console. Enter commands:", joinCommandNames(commandDescriptors))
	pr.Println("Press '?' or type 'help' for detailed descriptions.")
	installKeyHandlers(s.stopApp)

	defer func() {
		if rl := pr.Rl(); rl != nil {
			_ = rl.Close()
		}
	}()

	for {
		if ctx.Err() != nil {
			logger.Debug("cli: context canceled")
			return
		}

		line, err := pr.Rl().Readline()
		if err != nil {
			logger.Debug("cli: deactivated (io.EOF)")
			return
		}

		cmd := strings.TrimSpace(line)
		if s.handleCommand(cmd) {
			logger.Debugf("cli: command %q requested exit", cmd)
			return
		}
	}
}

// installKeyHandlers wires '?' to print help inline and Ctrl-C to either
// stop the app (empty line) or clear the current line (non-empty), the
// same behavior an interactive operator expects from any readline-based
// console.
func installKeyHandlers(stop context.CancelFunc) {
	rl := pr.Rl()
	if rl == nil || rl.Config == nil {
		return
	}

	prev := rl.Config.Listener
	rl.Config.SetListener(func(line []rune, pos int, key rune) ([]rune, int, bool) {
		if key == '?' {
			printCommandHelp()
			if pos > 0 && pos <= len(line) {
				trimmed := append([]rune{}, line[:pos-1]...)
				trimmed = append(trimmed, line[pos:]...)
				return trimmed, pos - 1, true
			}
			return line, pos, true
		}
		if key == 3 { // Ctrl-C (ETX)
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				if stop != nil {
					stop()
				}
				pr.InterruptReadline()
				return line, pos, true
			}
			return []rune{}, 0, true
		}
		if prev != nil {
			return prev.OnChange(line, pos, key)
		}
		return nil, 0, false
	})
}

func printCommandHelp() {
	for _, text := range buildCommandHelpLines(commandDescriptors) {
		pr.Println(text)
	}
}

// handleCommand dispatches cmd. Returns true if the console should exit.
func (s *Service) handleCommand(cmd string) bool {
	switch cmd {
	case "help":
		printCommandHelp()
	case "status":
		s.handleStatus()
	case "backup":
		s.handleBackup()
	case "token":
		s.handleToken()
	case "version":
		pr.ErrPrintln(fmt.Sprintf("keywordwatcher v%s", Version))
	case "exit":
		if s.stopApp != nil {
			s.stopApp()
		}
		return true
	case "":
		// ignore
	default:
		pr.Println("unknown command:", cmd)
	}
	return false
}

func (s *Service) handleStatus() {
	if s.patience != nil {
		pr.Printf("Outstanding patience tasks: %d\n", s.patience.Outstanding())
	}
	if s.cfg != nil {
		pr.Printf("Patience window: %s\n", s.cfg.PatienceDuration())
		if lifetime, ok := s.cfg.NotificationLifetime(); ok {
			pr.Printf("Notification lifetime: %s\n", lifetime)
		} else {
			pr.Println("Notification lifetime: <unset, reaper disabled>")
		}
		pr.Printf("Max keywords per user: %d\n", s.cfg.Behavior.MaxKeywords)
	}
}

func (s *Service) handleBackup() {
	if s.store == nil || s.dbPath == "" {
		pr.ErrPrintln("backups are not configured")
		return
	}
	start := time.Now()
	if err := s.store.Backup(s.dbPath, backupDir(s.dbPath)); err != nil {
		pr.ErrPrintln("backup error:", err)
		return
	}
	pr.Printf("Backup complete in %s\n", time.Since(start))
}

// handleToken reads a replacement bot token from the terminal without
// echoing it. The new token only lives in memory for the current process;
// operators who want it to survive a restart still need to update
// bot.token (or KBW_BOT_TOKEN) out of band.
func (s *Service) handleToken() {
	if s.cfg == nil {
		pr.ErrPrintln("no configuration loaded")
		return
	}
	pr.Print("Enter new bot token: ")
	tokenBytes, err := term.ReadPassword(syscall.Stdin)
	pr.Println()
	if err != nil {
		pr.ErrPrintln("token read error:", err)
		return
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		pr.Println("token unchanged (empty input)")
		return
	}
	s.cfg.Bot.Token = token
	pr.Println("bot token updated for this session")
}

func backupDir(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), "backup")
}

func joinCommandNames(descriptors []commandDescriptor) string {
	names := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		names = append(names, d.name)
	}
	return strings.Join(names, ", ")
}

func buildCommandHelpLines(descriptors []commandDescriptor) []string {
	lines := make([]string, 0, len(descriptors)+1)
	lines = append(lines, "Available commands:")
	for _, d := range descriptors {
		lines = append(lines, fmt.Sprintf("  %-8s - %s", d.name, d.description))
	}
	return lines
}
