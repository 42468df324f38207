// config.go - Haupt-Konfigurationsfunktionen fuer die Runtime
//
// Dieses Modul enthaelt:
// - LogLevel: Gibt Log-Level zurueck (TRTLLM_DEBUG)
// - DefaultKVCacheQuant: Gibt die Standard-Quantisierung des KV-Cache zurueck (TRTLLM_KV_CACHE_TYPE)
//
// Weitere Konfigurationen sind ausgelagert:
// - config_features.go: Feature-Flags (Context-FMHA, Multi-Block-Generation-Attention)
// - config_utils.go: Utility-Funktionen und AsMap/Values
package envconfig

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LogLevel gibt das Log-Level zurueck
// Konfigurierbar via TRTLLM_DEBUG
// Werte: 0/false = INFO (Default), 1/true = DEBUG, 2 = TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("TRTLLM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// DefaultKVCacheQuant gibt den Namen der Standard-KV-Cache-Quantisierung
// zurueck ("none", "int8" oder "fp8").
// Konfigurierbar via TRTLLM_KV_CACHE_TYPE
func DefaultKVCacheQuant() string {
	if s := Var("TRTLLM_KV_CACHE_TYPE"); s != "" {
		return s
	}
	return "none"
}

// Var gibt eine Environment-Variable zurueck
// Entfernt fuehrende/trailing Quotes und Leerzeichen
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
