package cli

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"homeservice/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

var (
	flagTarget   string
	flagToken    string
	flagRate     int
	flagDuration time.Duration
	flagMaxID    int
)

var loadtestCmd = &cobra.Command{
	Use:   "loadtest",
	Short: "Fire dry-run triggers at the admin API and report latencies",
	RunE: func(cmd *cobra.Command, args []string) error {
		rate := vegeta.Rate{Freq: flagRate, Per: time.Second}
		attacker := vegeta.NewAttacker()

		var metrics vegeta.Metrics
		for res := range attacker.Attack(triggerTargeter(flagTarget, flagToken, flagMaxID), rate, flagDuration, "automation trigger") {
			metrics.Add(res)
		}
		metrics.Close()

		fmt.Printf("99th percentile: %s\n", metrics.Latencies.P99)
		fmt.Printf("Mean: %s\n", metrics.Latencies.Mean)
		fmt.Printf("Success ratio: %.2f%%\n", metrics.Success*100)
		fmt.Printf("Status codes: %v\n", metrics.StatusCodes)
		return vegeta.NewTextReporter(&metrics).Report(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(loadtestCmd)
	loadtestCmd.Flags().StringVar(&flagTarget, "target", "http://localhost:8080/api/automations/trigger", "trigger endpoint")
	loadtestCmd.Flags().StringVar(&flagToken, "token", "", "bearer token (see the token command)")
	loadtestCmd.Flags().IntVar(&flagRate, "rate", 50, "requests per second")
	loadtestCmd.Flags().DurationVar(&flagDuration, "duration", 30*time.Second, "test duration")
	loadtestCmd.Flags().IntVar(&flagMaxID, "max-booking-id", 100, "booking ids are drawn from [1, max]")
}

// triggerTargeter 随机选择事件与预订 id，始终 dry run
func triggerTargeter(url, token string, maxID int) vegeta.Targeter {
	events := []models.TriggerEvent{
		models.EventBookingCreated,
		models.EventBookingConfirmed,
		models.EventBookingCompleted,
	}
	if maxID <= 0 {
		maxID = 1
	}
	return func(tgt *vegeta.Target) error {
		evt := events[gofakeit.Number(0, len(events)-1)]
		tgt.Method = http.MethodPost
		tgt.URL = url
		tgt.Body = []byte(fmt.Sprintf(`{"event":%q,"entityKind":"booking","entityId":%d,"dryRun":true}`, evt, gofakeit.Number(1, maxID)))
		tgt.Header = http.Header{"Content-Type": {"application/json"}}
		if token != "" {
			tgt.Header.Set("Authorization", "Bearer "+token)
		}
		return nil
	}
}
