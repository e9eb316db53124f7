package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopersist/app/persistence"
	"gopersist/errors"
	"gopersist/logging"
)

// sqliteConfig 写入指向临时 SQLite 文件的配置，多次执行命令共享数据
func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "school.yaml")
	yml := fmt.Sprintf(`
store:
  driver: sql
  sql:
    driver: sqlite
    database: %s
logging:
  level: error
`, filepath.Join(dir, "school.db"))
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o644))
	return path
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := newRootCommand(persistence.WithLogger(logging.NewNoopLogger()))
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

// TestCourseCommands 测试课程子命令
func TestCourseCommands(t *testing.T) {
	cfg := sqliteConfig(t)

	out, err := run(t, cfg, "course", "add", "JPA in 50 Steps")
	require.NoError(t, err)
	assert.Equal(t, "created course 1 \"JPA in 50 Steps\"\n", out)

	_, err = run(t, cfg, "course", "add", "Spring in 50 Steps")
	require.NoError(t, err)

	out, err = run(t, cfg, "course", "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `course 1 "JPA in 50 Steps"`)

	out, err = run(t, cfg, "course", "rename", "1", "JPA in 100 Steps")
	require.NoError(t, err)
	assert.Contains(t, out, `"JPA in 50 Steps" -> "JPA in 100 Steps"`)

	out, err = run(t, cfg, "course", "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, `"JPA in 100 Steps"`, "脏检查在提交时写回")

	out, err = run(t, cfg, "course", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 course(s)")

	out, err = run(t, cfg, "course", "delete", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted course 2")

	t.Run("删除后读取", func(t *testing.T) {
		_, err := run(t, cfg, "course", "get", "2")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("重复删除", func(t *testing.T) {
		_, err := run(t, cfg, "course", "delete", "2")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("非法主键", func(t *testing.T) {
		_, err := run(t, cfg, "course", "get", "abc")
		assert.True(t, errors.IsValidation(err))
	})
}

// TestCourseCodeAndTimestamps 测试课程编号展开存储与创建、更新时间
func TestCourseCodeAndTimestamps(t *testing.T) {
	cfg := sqliteConfig(t)

	out, err := run(t, cfg, "course", "add", "--code", "CS-101", "JPA in 50 Steps")
	require.NoError(t, err)
	assert.Equal(t, "created course 1 \"JPA in 50 Steps\"\n", out)

	out, err = run(t, cfg, "course", "get", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "code: CS-101")
	assert.Contains(t, out, "created: ")
	assert.NotContains(t, out, "0001-01-01", "插入时写入时间戳")

	t.Run("非法编号", func(t *testing.T) {
		_, err := run(t, cfg, "course", "add", "--code", "CS101", "Spring")
		assert.True(t, errors.IsValidation(err))
	})
}

// TestScenarioCommands 测试示例场景子命令
func TestScenarioCommands(t *testing.T) {
	cases := []struct {
		name   string
		args   []string
		expect []string
	}{
		{
			name: "写后跟踪与合并",
			args: []string{"scenario", "track"},
			expect: []string{
				`stored as "KingKong - Version 2"`,
				`caller instance id=0 location="Hyderabad"`,
				`location="Amsterdam"`,
				"person 1 Ranga Amsterdam 1990-01-01",
			},
		},
		{
			name: "生命周期",
			args: []string{"scenario", "lifecycle"},
			expect: []string{
				`refresh: course 1 back to "KingKong - Version 2"`,
				"clear: 0 managed instance(s)",
				`stored: course 1 "KingKong - Version 2"`,
				`stored: course 2 "Godzilla"`,
			},
		},
		{
			name: "关联",
			args: []string{"scenario", "relations"},
			expect: []string{
				`holds passport "Z23456" (inverse side same instance: true)`,
				`subject "Physics" has 2 review(s)`,
				`subject "Physics" has 1 student(s)`,
			},
		},
		{
			name: "延迟加载",
			args: []string{"scenario", "lazy"},
			expect: []string{
				"subject loaded: false",
				`resolved subject "Chemistry" inside unit of work`,
				"after close:",
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := run(t, sqliteConfig(t), tc.args...)
			require.NoError(t, err)
			for _, want := range tc.expect {
				assert.Contains(t, out, want)
			}
		})
	}
}

// TestScenario_MemoryDriver 测试内存存储下的示例场景
func TestScenario_MemoryDriver(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	out, err := run(t, missing, "scenario", "lifecycle")
	require.NoError(t, err)
	assert.Contains(t, out, `stored: course 2 "Godzilla"`)
}
