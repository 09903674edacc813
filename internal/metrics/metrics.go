package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
)

// labelledCounter 总数加按标签计数
type labelledCounter struct {
	total   uint64
	mu      sync.Mutex
	byLabel map[string]uint64
}

func (c *labelledCounter) inc(label string) {
	atomic.AddUint64(&c.total, 1)
	c.mu.Lock()
	if c.byLabel == nil {
		c.byLabel = make(map[string]uint64)
	}
	c.byLabel[label]++
	c.mu.Unlock()
}

func (c *labelledCounter) snapshot() (uint64, map[string]uint64) {
	total := atomic.LoadUint64(&c.total)
	c.mu.Lock()
	defer c.mu.Unlock()
	by := make(map[string]uint64, len(c.byLabel))
	for k, v := range c.byLabel {
		by[k] = v
	}
	return total, by
}

var (
	rl            labelledCounter
	hookRuns      labelledCounter // event|outcome
	actionRuns    labelledCounter // type|outcome
	delayedAction labelledCounter // scheduled, executed, failed
)

// IncRateLimitDrop 记录限流丢弃；全局限流使用前缀 "global"
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	rl.inc(prefix)
}

// RateLimitSnapshot 返回当前计数的副本
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	return rl.snapshot()
}

// hook 执行结果
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// IncHookExecution 记录一次 hook 执行结果
func IncHookExecution(event, outcome string) {
	hookRuns.inc(event + "|" + outcome)
}

// IncActionExecution 记录一次动作执行结果
func IncActionExecution(actionType, outcome string) {
	actionRuns.inc(actionType + "|" + outcome)
}

// IncDelayedAction 记录延迟动作状态变化
func IncDelayedAction(state string) {
	delayedAction.inc(state)
}

func HookExecutionSnapshot() (uint64, map[string]uint64) { return hookRuns.snapshot() }

func ActionExecutionSnapshot() (uint64, map[string]uint64) { return actionRuns.snapshot() }

func DelayedActionSnapshot() (uint64, map[string]uint64) { return delayedAction.snapshot() }

// Reset 清零所有计数器（测试用）
func Reset() {
	rl = labelledCounter{}
	hookRuns = labelledCounter{}
	actionRuns = labelledCounter{}
	delayedAction = labelledCounter{}
}

// WritePrometheus 以 Prometheus 文本格式输出所有计数器
func WritePrometheus(w io.Writer) error {
	write := func(name, help string, c *labelledCounter, labels ...string) error {
		total, by := c.snapshot()
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s_total %d\n", name, help, name, name, total); err != nil {
			return err
		}
		keys := make([]string, 0, len(by))
		for k := range by {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w, "%s{%s} %d\n", name, formatLabels(labels, k), by[k]); err != nil {
				return err
			}
		}
		return nil
	}
	if err := write("homeservice_automation_hook_executions", "Automation hook executions by event and outcome.", &hookRuns, "event", "outcome"); err != nil {
		return err
	}
	if err := write("homeservice_automation_action_executions", "Automation actions by type and outcome.", &actionRuns, "type", "outcome"); err != nil {
		return err
	}
	if err := write("homeservice_automation_delayed_actions", "Delayed automation actions by state.", &delayedAction, "state"); err != nil {
		return err
	}
	return write("homeservice_rate_limit_dropped", "Requests rejected by the rate limiter.", &rl, "prefix")
}

func formatLabels(names []string, key string) string {
	values := splitKey(key, len(names))
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s=%q", n, values[i])
	}
	return out
}

func splitKey(key string, n int) []string {
	parts := make([]string, 0, n)
	start := 0
	for i := 0; i < len(key) && len(parts) < n-1; i++ {
		if key[i] == '|' {
			parts = append(parts, key[start:i])
			start = i + 1
		}
	}
	parts = append(parts, key[start:])
	for len(parts) < n {
		parts = append(parts, "")
	}
	return parts
}
