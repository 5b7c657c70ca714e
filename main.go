package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"

	"docvault/pkg/acl"
	"docvault/pkg/api"
	"docvault/pkg/blob"
	"docvault/pkg/config"
	"docvault/pkg/metadata/repository"
	"docvault/pkg/middleware"
	"docvault/pkg/service"
	"docvault/pkg/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	db, err := repository.OpenDB(cfg.Storage.Database)
	if err != nil {
		log.Fatal("Failed to open database: ", err)
	}
	defer db.Close()

	repo, err := repository.New(db)
	if err != nil {
		log.Fatal("Failed to initialize repository: ", err)
	}

	var blobs blob.Store
	switch cfg.Storage.Backend {
	case "s3":
		blobs, err = blob.NewS3(cfg.Storage.S3, db)
	default:
		blobs, err = blob.NewLocal(cfg.Storage.Path, db)
	}
	if err != nil {
		log.Fatal("Failed to initialize content store: ", err)
	}

	engine := acl.NewEngine(repo)
	svc := service.New(repo, blobs, engine)

	tokens := make(map[string]types.User, len(cfg.Auth.Tokens))
	for token, u := range cfg.Auth.Tokens {
		tokens[token] = types.User{ID: u.ID, Username: u.Username, Email: u.Email}
	}
	authn := middleware.NewAuthenticator(tokens, cfg.Auth.JWTSecret, repo)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogging(log.New(os.Stdout, "[http] ", log.LstdFlags)))

	handler := api.NewHandler(svc)
	handler.RegisterRoutes(router, middleware.Auth(authn))

	log.Printf("Starting server on port %s (backend: %s)", cfg.Server.Port, cfg.Storage.Backend)
	if err := router.Run(":" + cfg.Server.Port); err != nil {
		log.Fatal("Failed to start server: ", err)
	}
}
