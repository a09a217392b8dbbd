package common

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/banner"
)

// PrintBanner displays the application startup banner
func PrintBanner(config *Config, logger arbor.ILogger) {
	version := GetVersion()
	build := BuildTime

	serviceURL := fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)

	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(80)

	fmt.Printf("\n")
	b.PrintTopLine()
	b.PrintCenteredText("VIGILSCAN")
	b.PrintCenteredText("URL Scanning and Alerting Platform")
	b.PrintSeparatorLine()
	b.PrintKeyValue("Version", version, 15)
	b.PrintKeyValue("Build", build, 15)
	b.PrintKeyValue("Environment", config.Environment, 15)
	b.PrintKeyValue("Service URL", serviceURL, 15)
	b.PrintBottomLine()
	fmt.Printf("\n")

	logger.Info().
		Str("version", version).
		Str("build", build).
		Str("environment", config.Environment).
		Str("service_url", serviceURL).
		Msg("application started")

	fmt.Printf("Configuration:\n")
	fmt.Printf("   - SQLite path: %s\n", config.SQLite.Path)
	fmt.Printf("   - KV path: %s\n", config.KV.Path)
	fmt.Printf("   - Web interface: %s\n", serviceURL)

	logFilePath := ""
	if loggerWithPath, ok := interface{}(logger).(interface{ GetLogFilePath() string }); ok {
		logFilePath = loggerWithPath.GetLogFilePath()
		if logFilePath != "" {
			fmt.Printf("   - Log file: %s\n", logFilePath)
		}
	}
	fmt.Printf("\n")

	logger.Info().
		Str("log_file", logFilePath).
		Bool("breaker_enabled", config.Breaker.Enabled).
		Bool("admin_enabled", config.Admin.Enabled).
		Str("fetcher_adapter", string(config.Fetcher.Adapter)).
		Msg("configuration loaded")

	printCapabilities(config, logger)
	fmt.Printf("\n")
}

// printCapabilities displays the system capabilities
func printCapabilities(config *Config, logger arbor.ILogger) {
	fmt.Printf("Enabled features:\n")

	fmt.Printf("   - Scan queue (concurrency=%d), render queue (concurrency=%d, %d/min)\n",
		config.Queue.ScanConcurrency, config.Queue.RenderConcurrency, config.Queue.RenderPerMinute)

	if config.Breaker.Enabled {
		fmt.Printf("   - Circuit breaker (opens for %dm past %d%% errors, once %d requests are recorded)\n",
			config.Breaker.OpenMinutes, config.Breaker.ErrorRateThresholdPct, config.Breaker.ErrorRateWindow)
	} else {
		fmt.Printf("   - Circuit breaker disabled\n")
	}

	if config.Slack.WebhookURL != "" {
		fmt.Printf("   - Slack alerting enabled\n")
	} else {
		fmt.Printf("   - Slack alerting not configured\n")
	}

	if config.Admin.Enabled {
		fmt.Printf("   - Admin surface enabled at /admin (Basic Auth)\n")
	}

	logger.Info().
		Int("scan_concurrency", config.Queue.ScanConcurrency).
		Int("render_concurrency", config.Queue.RenderConcurrency).
		Bool("slack_configured", config.Slack.WebhookURL != "").
		Msg("system capabilities")
}

// PrintShutdownBanner displays the application shutdown banner
func PrintShutdownBanner(logger arbor.ILogger) {
	b := banner.New().
		SetStyle(banner.StyleDouble).
		SetBorderColor(banner.ColorGreen).
		SetTextColor(banner.ColorWhite).
		SetBold(true).
		SetWidth(42)

	b.PrintTopLine()
	b.PrintCenteredText("SHUTTING DOWN")
	b.PrintCenteredText("VIGILSCAN")
	b.PrintBottomLine()
	fmt.Println()

	logger.Info().Msg("application shutting down")
}

// PrintColorizedMessage prints a message with specified color and logs through Arbor
func PrintColorizedMessage(color, message string, logger arbor.ILogger) {
	fmt.Printf("%s%s%s\n", color, message, banner.ColorReset)
}

// PrintSuccess prints a success message in green and logs it
func PrintSuccess(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorGreen, fmt.Sprintf("[ok] %s", message), logger)
	logger.Info().Str("type", "success").Msg(message)
}

// PrintError prints an error message in red and logs it
func PrintError(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorRed, fmt.Sprintf("[error] %s", message), logger)
	logger.Error().Str("type", "error").Msg(message)
}

// PrintWarning prints a warning message in yellow and logs it
func PrintWarning(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorYellow, fmt.Sprintf("[warn] %s", message), logger)
	logger.Warn().Str("type", "warning").Msg(message)
}

// PrintInfo prints an info message in cyan and logs it
func PrintInfo(message string) {
	logger := GetLogger()
	PrintColorizedMessage(banner.ColorCyan, fmt.Sprintf("[info] %s", message), logger)
	logger.Info().Str("type", "info").Msg(message)
}
