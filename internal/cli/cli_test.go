package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChuLiYu/cardfarm/internal/catalog"
	"github.com/ChuLiYu/cardfarm/internal/farming"
	"github.com/ChuLiYu/cardfarm/internal/snapshot"
	"github.com/ChuLiYu/cardfarm/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFixture = `
entries:
  - id: 440
    name: Team Fortress 2
    remaining: 2
    playtime: 3h
  - id: 570
    name: Dota 2
    remaining: 1
    playtime: 30m
  - id: 730
    name: Counter-Strike 2
    remaining: 0
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// fastConfig 回傳一個以毫秒為單位執行的設定
func fastConfig(t *testing.T) *Config {
	t.Helper()
	dir := t.TempDir()

	cfg := defaultConfig()
	cfg.OwnerID = "76561197960287930"
	cfg.Catalog.Fixture = writeFile(t, dir, "catalog.yaml", testFixture)
	cfg.Snapshot.Path = filepath.Join(dir, "data", "pass.json")
	cfg.Farming.MaxConcurrency = 2
	cfg.Farming.MandatoryWaiting = 0
	cfg.Farming.WaitWhileRunning = 20 * time.Millisecond
	cfg.Farming.WaitForDrops = 10 * time.Millisecond
	cfg.Farming.Tick = 5 * time.Millisecond
	cfg.Farming.SummaryInterval = 0
	cfg.Farming.RetryDelay = 10 * time.Millisecond
	cfg.Farming.ClientRetryDelay = 10 * time.Millisecond
	cfg.Farming.BusyRetryDelay = 10 * time.Millisecond
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "farm", cmd.Use, "Root command should be 'farm'")
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	// 檢查子命令
	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}

	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["entries"], "Should have 'entries' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")

	// 檢查持久化標誌
	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/farm.yaml", configFlag.DefValue, "Default config path should be configs/farm.yaml")

	levelFlag := cmd.PersistentFlags().Lookup("log-level")
	require.NotNil(t, levelFlag, "Should have --log-level flag")
	assert.Equal(t, "info", levelFlag.DefValue)
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.Equal(t, "run", cmd.Use, "Command should be 'run'")
	assert.Contains(t, cmd.Short, "Start", "Short description should mention 'Start'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")

	for _, name := range []string{"owner", "target", "reverse", "max-concurrency"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), "Should have --%s flag", name)
	}
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.Equal(t, "status", cmd.Use, "Command should be 'status'")
	assert.Contains(t, cmd.Short, "status", "Short description should mention 'status'")
	assert.NotNil(t, cmd.RunE, "RunE function should be set")
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeFile(t, tmpDir, "farm.yaml", `
owner_id: "42"
catalog:
  base_url: http://localhost:8080
  timeout: 3s
executor:
  helper_path: /usr/local/bin/idle-helper
  helper_args: ["--quiet"]
  startup_grace: 500ms
farming:
  max_concurrency: 8
  mandatory_waiting: 1h
  wait_while_running: 10m
  wait_for_drops: 1m
  reverse_sorting: true
  target: 440
  tick: 2s
snapshot:
  path: /tmp/pass.json
metrics:
  enabled: true
  port: 9999
`)

	cfg, err := loadConfig(configPath)
	require.NoError(t, err, "loadConfig should not return error for valid YAML")

	assert.Equal(t, "42", cfg.OwnerID)
	assert.Equal(t, "http://localhost:8080", cfg.Catalog.BaseURL)
	assert.Equal(t, 3*time.Second, cfg.Catalog.Timeout)
	assert.Equal(t, "/usr/local/bin/idle-helper", cfg.Executor.HelperPath)
	assert.Equal(t, []string{"--quiet"}, cfg.Executor.HelperArgs)
	assert.Equal(t, 500*time.Millisecond, cfg.Executor.StartupGrace)
	assert.Equal(t, 8, cfg.Farming.MaxConcurrency)
	assert.Equal(t, time.Hour, cfg.Farming.MandatoryWaiting)
	assert.True(t, cfg.Farming.ReverseSorting)
	assert.Equal(t, 440, cfg.Farming.Target)
	assert.Equal(t, "/tmp/pass.json", cfg.Snapshot.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9999, cfg.Metrics.Port)

	// 未出現的欄位保留預設值
	assert.Equal(t, 15*time.Second, cfg.Farming.ClientRetryDelay)
	assert.Equal(t, 3*time.Second, cfg.Farming.SummaryInterval)
	assert.False(t, cfg.Health.Enabled)
	assert.Equal(t, 9091, cfg.Health.Port)
}

func TestLoadConfig_DefaultPathMissing(t *testing.T) {
	// 在空目錄中，預設路徑不存在時使用預設值
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(defaultConfigPath)
	require.NoError(t, err)
	assert.Equal(t, farming.DefaultConfig().MaxConcurrency, cfg.Farming.MaxConcurrency)
	assert.Equal(t, "data/farm-pass.json", cfg.Snapshot.Path)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/config.yaml")
	assert.Error(t, err, "loadConfig should return error for non-existent file")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	configPath := writeFile(t, t.TempDir(), "invalid.yaml", "farming:\n  max_concurrency: [1, 2\n")

	_, err := loadConfig(configPath)
	assert.Error(t, err, "loadConfig should return error for invalid YAML")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestConfig_FarmingConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.Farming.Target = 570
	cfg.Farming.ReverseSorting = true

	fc := cfg.farmingConfig()
	assert.Equal(t, types.TargetID(570), fc.TargetFilter)
	assert.True(t, fc.ReverseSorting)
	assert.NoError(t, fc.Validate())

	d := farming.DefaultConfig()
	d.TargetFilter = 570
	d.ReverseSorting = true
	assert.Equal(t, d, fc)
}

func TestConfig_NewCatalog(t *testing.T) {
	cfg := defaultConfig()
	_, err := cfg.newCatalog()
	assert.Error(t, err, "no catalog configured")

	cfg.Catalog.BaseURL = "http://localhost:1"
	c, err := cfg.newCatalog()
	require.NoError(t, err)
	assert.IsType(t, &catalog.HTTPClient{}, c)

	cfg.Catalog.Fixture = writeFile(t, t.TempDir(), "catalog.yaml", testFixture)
	c, err = cfg.newCatalog()
	require.NoError(t, err)
	assert.IsType(t, &catalog.Static{}, c, "fixture takes precedence over base_url")

	cfg.Catalog.Fixture = "/nonexistent/catalog.yaml"
	_, err = cfg.newCatalog()
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"WARN", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsoleFormat(t *testing.T) {
	tests := []struct {
		name string
		ev   farming.Event
		want string
	}{
		{
			name: "progress",
			ev:   farming.Event{Display: "440", Info: "Team Fortress 2", Status: "Running Team Fortress 2", Level: types.LevelInfo, Remaining: 90 * time.Second},
			want: "INFO    [440] Team Fortress 2 | Running Team Fortress 2 (1m30s left)",
		},
		{
			name: "error",
			ev:   farming.Event{Display: "440", Info: "Waiting for changes", Level: types.LevelError, Error: "Server is busy. Retrying..."},
			want: "ERROR   [440] Waiting for changes | Server is busy. Retrying...",
		},
		{
			name: "default level",
			ev:   farming.Event{Info: "Farming pass finished", Status: "0 from 0 remaining (0 items)"},
			want: "INFO    Farming pass finished | 0 from 0 remaining (0 items)",
		},
		{
			name: "warning",
			ev:   farming.Event{Info: "No more items to drop.", Level: types.LevelWarning},
			want: "WARNING No more items to drop.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, newConsole(io.Discard).format(tt.ev))
		})
	}
}

func TestRunFarm_RequiresOwner(t *testing.T) {
	cfg := fastConfig(t)
	cfg.OwnerID = ""

	err := runFarm(context.Background(), cfg, io.Discard, discardLogger())
	assert.ErrorContains(t, err, "owner id is required")
}

func TestRunFarm_CompletesPass(t *testing.T) {
	cfg := fastConfig(t)
	var out bytes.Buffer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, runFarm(ctx, cfg, &out, discardLogger()))

	output := out.String()
	assert.Contains(t, output, "Loading Team Fortress 2")
	assert.Contains(t, output, "Done (Dota 2)")
	assert.Contains(t, output, "Done (Team Fortress 2)")
	assert.Contains(t, output, "Farming pass finished | 0 from 0 remaining (0 items)")
	assert.NotContains(t, output, "Counter-Strike 2", "entries without items are not farmed")

	snap, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	require.NoError(t, err, "pass snapshot should be saved")
	assert.True(t, snap.Finished)
	assert.Equal(t, cfg.OwnerID, snap.OwnerID)
	assert.Zero(t, snap.Remaining)
	assert.Zero(t, snap.ItemsRemaining)
	assert.Zero(t, snap.Active)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "done", snap.Entries[440].Phase)
	assert.False(t, snap.Entries[440].Running)
}

func TestRunFarm_CancelledIsNotAnError(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Farming.WaitWhileRunning = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	err := runFarm(ctx, cfg, io.Discard, discardLogger())
	assert.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	snap, err := snapshot.NewManager(cfg.Snapshot.Path).Load()
	require.NoError(t, err)
	assert.True(t, snap.Finished)
	for id, st := range snap.Entries {
		assert.False(t, st.Running, "entry %s still has a helper after cancellation", id)
	}
}

func TestListEntries(t *testing.T) {
	cfg := fastConfig(t)
	var out bytes.Buffer

	require.NoError(t, listEntries(context.Background(), cfg, &out))

	output := out.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "Team Fortress 2")
	assert.Contains(t, output, "Counter-Strike 2")
	assert.Contains(t, output, "3 entries, 3 items remaining")
}

func TestStatusCommand(t *testing.T) {
	cfg := fastConfig(t)
	var out bytes.Buffer

	require.NoError(t, showStatus(cfg, &out))
	assert.Contains(t, out.String(), "No pass recorded yet")

	require.NoError(t, snapshot.NewManager(cfg.Snapshot.Path).Write(types.PassSnapshot{
		SchemaVer:      snapshot.SchemaVersion,
		OwnerID:        cfg.OwnerID,
		StartedAt:      time.Now().UnixMilli(),
		UpdatedAt:      time.Now().UnixMilli(),
		Active:         1,
		PeakActive:     2,
		Remaining:      1,
		ItemsRemaining: 4,
		Entries: map[types.TargetID]*types.EntryStatus{
			570: {ID: 570, Name: "Dota 2", Remaining: 0, Phase: "done"},
			440: {ID: 440, Name: "Team Fortress 2", Remaining: 4, Phase: "running", Running: true},
		},
	}))

	out.Reset()
	require.NoError(t, showStatus(cfg, &out))
	output := out.String()
	assert.Contains(t, output, "Running")
	assert.Contains(t, output, "1 (peak 2)")
	assert.Contains(t, output, "Team Fortress 2")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("440  Team")), bytes.Index(out.Bytes(), []byte("570  Dota")), "entries are listed by id")
}

func TestEntriesCommand_Execute(t *testing.T) {
	cfg := fastConfig(t)
	configPath := writeFile(t, t.TempDir(), "farm.yaml",
		"owner_id: \"1\"\ncatalog:\n  fixture: "+cfg.Catalog.Fixture+"\n")

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"entries", "--config", configPath})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Dota 2")
}
