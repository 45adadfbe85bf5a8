package main

//go:generate swag init -g cmd/autopilot/main.go -o docs

// @title           Autopromote Autopilot API
// @version         0.1.0
// @description     A/B experiment decisions, guarded budget apply/rollback, and bandit weight tuning.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
