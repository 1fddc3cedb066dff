package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	twiliotransport "github.com/harunnryd/voicebridge/pkg/transports/twilio"
)

type callConfig struct {
	Server struct {
		Addr       string `mapstructure:"addr"`
		PublicURL  string `mapstructure:"public_url"`
		VoicePath  string `mapstructure:"voice_path"`
		StatusPath string `mapstructure:"status_path"`
	} `mapstructure:"server"`
	Twilio struct {
		AccountSID string `mapstructure:"account_sid"`
		AuthToken  string `mapstructure:"auth_token"`
	} `mapstructure:"twilio"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	cfg, err := loadCallConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && cfg.Server.PublicURL == "" {
		fmt.Println("server.public_url is empty; pass -voice_url")
		os.Exit(1)
	}
	dialer := twiliotransport.NewDialer(twiliotransport.Config{
		ServerAddr: cfg.Server.Addr,
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		PublicURL:  cfg.Server.PublicURL,
		VoicePath:  cfg.Server.VoicePath,
		StatusPath: cfg.Server.StatusPath,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	callSID, err := dialer.DialWithOptions(ctx, *to, *from, *voiceURL, twiliotransport.DialOptions{SendDigits: *sendDigits})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadCallConfig(path string) (callConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return callConfig{}, err
	}
	var cfg callConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return callConfig{}, err
	}
	cfg.Server.PublicURL = os.ExpandEnv(cfg.Server.PublicURL)
	cfg.Twilio.AccountSID = os.ExpandEnv(cfg.Twilio.AccountSID)
	cfg.Twilio.AuthToken = os.ExpandEnv(cfg.Twilio.AuthToken)
	return cfg, nil
}
