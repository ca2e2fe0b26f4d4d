package hardening

import (
	"strings"
	"testing"
)

func strictOptions() Options {
	return Options{
		Service:            "gateway",
		Environment:        "production",
		StrictProdSecurity: "true",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis.internal:6380",
		RedisRequireTLS:    "true",
		KafkaBrokers:       "kafka-1:9092,kafka-2:9092",
		AuthMode:           "hs256",
		AllowedOrigins:     "https://app.example.com",
		RequiredSecrets:    []EnvRequirement{{Name: "AUTH_SECRET", Value: "s3cret"}},
	}
}

func TestValidateProduction(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(*Options)
		wantErr string
	}{
		{"valid strict config", func(o *Options) {}, ""},
		{"dev environment skips checks", func(o *Options) {
			o.Environment = "development"
			o.AuthMode = "off"
			o.DatabaseRequireTLS = ""
		}, ""},
		{"strict disabled skips checks", func(o *Options) {
			o.StrictProdSecurity = "false"
			o.AuthMode = "off"
		}, ""},
		{"staging counts as production-like", func(o *Options) {
			o.Environment = "staging"
			o.AuthMode = "off"
		}, "AUTH_MODE"},
		{"database tls required", func(o *Options) {
			o.DatabaseRequireTLS = ""
		}, "DATABASE_REQUIRE_TLS"},
		{"redis tls required when addr set", func(o *Options) {
			o.RedisRequireTLS = ""
		}, "REDIS_REQUIRE_TLS"},
		{"redis checks skipped without addr", func(o *Options) {
			o.RedisAddr = ""
			o.RedisRequireTLS = ""
		}, ""},
		{"insecure redis tls forbidden", func(o *Options) {
			o.RedisTLSInsecure = "true"
		}, "REDIS_TLS_INSECURE"},
		{"kafka required", func(o *Options) {
			o.KafkaBrokers = "  "
		}, "KAFKA_BROKERS"},
		{"auth off forbidden", func(o *Options) {
			o.AuthMode = "off"
		}, "AUTH_MODE"},
		{"empty auth forbidden", func(o *Options) {
			o.AuthMode = ""
		}, "AUTH_MODE"},
		{"wildcard origin forbidden", func(o *Options) {
			o.AllowedOrigins = "*"
		}, "wildcard"},
		{"localhost origin forbidden", func(o *Options) {
			o.AllowedOrigins = "https://localhost:3000"
		}, "localhost"},
		{"plain http origin forbidden", func(o *Options) {
			o.AllowedOrigins = "http://app.example.com"
		}, "HTTPS"},
		{"empty origins forbidden", func(o *Options) {
			o.AllowedOrigins = " , "
		}, "ALLOWED_ORIGINS"},
		{"missing secret", func(o *Options) {
			o.RequiredSecrets = []EnvRequirement{{Name: "AUTH_SECRET", Value: ""}}
		}, "AUTH_SECRET"},
		{"blank secret name ignored", func(o *Options) {
			o.RequiredSecrets = []EnvRequirement{{Name: "  ", Value: ""}}
		}, ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			o := strictOptions()
			tc.mutate(&o)
			err := ValidateProduction(o)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("err = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}
