package main

import (
	"log"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"macke/internal/config"
	"macke/internal/handlers"
	"macke/internal/macke"
	"macke/internal/services"
	"macke/internal/submission"
	"macke/internal/telemetry"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using default values")
	}

	_, _, err := telemetry.Init("macke-server", macke.Version)
	if err != nil {
		log.Printf("Warning: Failed to initialize telemetry: %v", err)
	}

	// Get credentials from environment variables with fallback values
	apiKeyID := os.Getenv("MACKE_KEY_ID")
	if apiKeyID == "" {
		apiKeyID = "api_key_id"
	}
	apiToken := os.Getenv("MACKE_KEY_TOKEN")
	if apiToken == "" {
		apiToken = "api_key_token"
	}

	cfg, err := config.Load(os.Getenv("MACKE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.CheckBinaries(false); err != nil {
		log.Printf("Warning: %v", err)
	}

	maxConcurrent, err := strconv.Atoi(os.Getenv("MACKE_MAX_ANALYSES"))
	if err != nil || maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	settings := services.Settings{
		WorkDir:       os.Getenv("MACKE_WORKDIR"),
		MaxConcurrent: maxConcurrent,
		Quiet:         os.Getenv("MACKE_QUIET") != "",
	}
	// Error chains are forwarded only when a results endpoint is configured
	if endpoint := os.Getenv("RESULTS_API_ENDPOINT"); endpoint != "" {
		keyID := os.Getenv("RESULTS_API_KEY_ID")
		token := os.Getenv("RESULTS_API_KEY_TOKEN")
		if keyID == "" || token == "" {
			log.Printf("Warning: RESULTS_API_KEY_ID or RESULTS_API_KEY_TOKEN not set")
		}
		settings.Client = submission.NewClient(endpoint, keyID, token)
	}

	analysisService, err := services.NewAnalysisService(cfg, settings)
	if err != nil {
		log.Fatalf("Failed to create analysis service: %v", err)
	}
	h := handlers.NewHandler(analysisService)

	r := gin.Default()

	// Unauthenticated routes
	r.GET("/status/", h.GetStatus)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Authenticated routes
	v1 := r.Group("/v1", gin.BasicAuth(gin.Accounts{
		apiKeyID: apiToken,
	}))
	{
		v1.POST("/analysis/", h.SubmitAnalysis)
		v1.DELETE("/analysis/", h.CancelAllAnalyses)
		v1.GET("/analysis/:analysis_id/", h.GetAnalysis)
		v1.DELETE("/analysis/:analysis_id/", h.CancelAnalysis)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "7080"
	}
	log.Printf("Analysis service listening at port %s (%d concurrent analyses)", port, maxConcurrent)
	log.Fatal(r.Run(":" + port))
}
