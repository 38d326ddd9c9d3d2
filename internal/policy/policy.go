// Package policy implements repository-level compliance auditing: a set of
// shallow layout and hygiene checks over a contract repository, scored into
// a single compliance figure. It inspects files only and never executes
// analysis tools.
package policy

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Check is one pass/fail compliance probe over the repository.
type Check struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Result is the policy_audit payload.
type Result struct {
	RepoPath        string  `json:"repo_path"`
	ComplianceScore float64 `json:"compliance_score"`
	Checks          []Check `json:"checks"`
}

// Agent runs the built-in check suite against a repository tree.
type Agent struct {
	logger *zap.Logger
}

// NewAgent builds an Agent. A nil logger is replaced with a no-op.
func NewAgent(logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{logger: logger}
}

// inventory is what one walk of the tree collects; every check reads from
// it so the repository is scanned exactly once.
type inventory struct {
	solFiles      []string
	testFiles     int
	missingSPDX   []string
	floatingFiles []string
	hasCI         bool
	hasSecurityMD bool
	hasLockfile   bool
}

// Audit walks repoPath and evaluates the check suite. The score is the
// fraction of checks that passed.
func (a *Agent) Audit(ctx context.Context, repoPath string) (Result, error) {
	info, err := os.Stat(repoPath)
	if err != nil {
		return Result{}, fmt.Errorf("repo path: %w", err)
	}
	if !info.IsDir() {
		return Result{}, fmt.Errorf("repo path %s is not a directory", repoPath)
	}

	inv, err := a.scan(ctx, repoPath)
	if err != nil {
		return Result{}, err
	}

	checks := []Check{
		{
			ID:     "contracts-present",
			Title:  "Repository contains Solidity sources",
			Passed: len(inv.solFiles) > 0,
			Detail: fmt.Sprintf("%d .sol files", len(inv.solFiles)),
		},
		{
			ID:     "spdx-identifiers",
			Title:  "Every contract declares an SPDX license identifier",
			Passed: len(inv.solFiles) > 0 && len(inv.missingSPDX) == 0,
			Detail: detailFor(inv.missingSPDX, "missing in"),
		},
		{
			ID:     "pragma-pinned",
			Title:  "Compiler pragmas are pinned to an exact version",
			Passed: len(inv.solFiles) > 0 && len(inv.floatingFiles) == 0,
			Detail: detailFor(inv.floatingFiles, "floating in"),
		},
		{
			ID:     "tests-present",
			Title:  "Contract tests exist",
			Passed: inv.testFiles > 0,
			Detail: fmt.Sprintf("%d test files", inv.testFiles),
		},
		{
			ID:     "ci-configured",
			Title:  "Continuous integration is configured",
			Passed: inv.hasCI,
		},
		{
			ID:     "security-policy",
			Title:  "A SECURITY.md disclosure policy exists",
			Passed: inv.hasSecurityMD,
		},
		{
			ID:     "dependencies-locked",
			Title:  "Dependency versions are locked",
			Passed: inv.hasLockfile,
		},
	}

	passed := 0
	for _, c := range checks {
		if c.Passed {
			passed++
		}
	}
	res := Result{
		RepoPath:        repoPath,
		ComplianceScore: float64(passed) / float64(len(checks)),
		Checks:          checks,
	}
	a.logger.Info("policy audit completed",
		zap.String("repo", repoPath),
		zap.Float64("score", res.ComplianceScore))
	return res, nil
}

func detailFor(files []string, prefix string) string {
	if len(files) == 0 {
		return ""
	}
	show := files
	if len(show) > 3 {
		show = show[:3]
	}
	return fmt.Sprintf("%s %s (%d total)", prefix, strings.Join(show, ", "), len(files))
}

func (a *Agent) scan(ctx context.Context, root string) (inventory, error) {
	var inv inventory
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(root, path)
		if d.IsDir() {
			name := d.Name()
			if rel != "." && (name == ".git" || name == "node_modules" || name == "out" || name == "cache") {
				return filepath.SkipDir
			}
			if name == "workflows" && strings.Contains(rel, ".github") {
				inv.hasCI = true
			}
			return nil
		}

		switch d.Name() {
		case ".gitlab-ci.yml", ".travis.yml":
			inv.hasCI = true
		case "SECURITY.md":
			inv.hasSecurityMD = true
		case "package-lock.json", "yarn.lock", "pnpm-lock.yaml", "foundry.lock", "remappings.txt":
			inv.hasLockfile = true
		case "foundry.toml", "hardhat.config.js", "hardhat.config.ts":
			// Framework config implies a managed toolchain even without a
			// separate lockfile.
			inv.hasLockfile = true
		}

		if strings.HasSuffix(d.Name(), ".sol") {
			if strings.HasSuffix(d.Name(), ".t.sol") || strings.Contains(rel, "test") {
				inv.testFiles++
				return nil
			}
			inv.solFiles = append(inv.solFiles, rel)
			hasSPDX, pinned, serr := inspectSource(path)
			if serr != nil {
				return serr
			}
			if !hasSPDX {
				inv.missingSPDX = append(inv.missingSPDX, rel)
			}
			if !pinned {
				inv.floatingFiles = append(inv.floatingFiles, rel)
			}
			return nil
		}
		if strings.Contains(rel, "test") && (strings.HasSuffix(d.Name(), ".js") || strings.HasSuffix(d.Name(), ".ts")) {
			inv.testFiles++
		}
		return nil
	})
	if err != nil {
		return inventory{}, fmt.Errorf("scan %s: %w", root, err)
	}
	return inv, nil
}

// inspectSource reads the head of one Solidity file for the SPDX line and
// the pragma form. A pragma counts as pinned when it names an exact version
// with no range operator.
func inspectSource(path string) (hasSPDX, pinned bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return false, false, err
	}
	defer f.Close()

	pinned = true // no pragma at all is not a floating pragma
	sc := bufio.NewScanner(f)
	for lines := 0; sc.Scan() && lines < 40; lines++ {
		line := strings.TrimSpace(sc.Text())
		if strings.Contains(line, "SPDX-License-Identifier:") {
			hasSPDX = true
		}
		if strings.HasPrefix(line, "pragma solidity") {
			if strings.ContainsAny(line, "^><") || strings.Contains(line, "~") {
				pinned = false
			}
		}
	}
	return hasSPDX, pinned, sc.Err()
}
