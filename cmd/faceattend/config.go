package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long:  "Print the configuration after defaults, the config file and environment overrides are applied. Secrets are masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		shown := *cfg
		shown.TTS.APIKey = mask(shown.TTS.APIKey)
		shown.Artifacts.S3.AccessKeyID = mask(shown.Artifacts.S3.AccessKeyID)
		shown.Artifacts.S3.SecretAccessKey = mask(shown.Artifacts.S3.SecretAccessKey)

		out, err := yaml.Marshal(&shown)
		if err != nil {
			return err
		}
		fmt.Println("# Gallery:", cfg.GalleryPath())
		fmt.Println("# Tracks: ", cfg.TracksDir())
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
