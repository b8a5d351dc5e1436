package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MarcoPoloResearchLab/jukebox/internal/coin"
	"github.com/MarcoPoloResearchLab/jukebox/internal/logging"
)

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial devices the coin acceptor could be attached to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := coin.ListPorts()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(ports) == 0 {
				fmt.Fprintln(out, "no serial ports found")
				return nil
			}
			for _, port := range ports {
				fmt.Fprintln(out, port)
			}
			return nil
		},
	}
}

func newDecodeCommand() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "decode <hex>...",
		Short: "Decode captured coin acceptor bytes offline",
		Long:  "Each argument is one received chunk in hex, decoded in order as the live link would.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(mode) == "" {
				mode = viper.GetString("coin.mode")
			}
			decoder, err := newOfflineDecoder(viper.GetViper(), mode)
			if err != nil {
				return err
			}
			return decodeChunks(cmd.OutOrStdout(), decoder, args)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Decoder mode (strict, tolerant); defaults to coin.mode")
	return cmd
}

func newOfflineDecoder(configViper *viper.Viper, modeValue string) (coin.Decoder, error) {
	mode, err := coin.ParseMode(modeValue)
	if err != nil {
		return nil, err
	}
	header, err := coin.ParseHeader(configViper.GetString("coin.header"))
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(configViper.GetString("log.level"))
	if err != nil {
		return nil, err
	}
	return coin.NewDecoder(mode, coin.DecoderConfig{
		Header: header,
		Denominations: coin.Denominations{
			A: coin.Denomination{Command: byte(configViper.GetInt("coin.code_a")), Credits: configViper.GetInt("coin.code_a_credits")},
			B: coin.Denomination{Command: byte(configViper.GetInt("coin.code_b")), Credits: configViper.GetInt("coin.code_b_credits")},
		},
		Logger: logger,
	})
}

// decodeChunks prints one line per outcome and a credit total.
func decodeChunks(out io.Writer, decoder coin.Decoder, chunks []string) error {
	total := 0
	for _, chunk := range chunks {
		raw, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(chunk), " ", ""))
		if err != nil {
			return fmt.Errorf("invalid hex chunk %q: %w", chunk, err)
		}
		for _, outcome := range decoder.Decode(raw) {
			if outcome.Accepted() {
				total += outcome.Intent.Credits
				fmt.Fprintf(out, "accepted command=0x%02x credits=%d raw=%s\n", outcome.Intent.Command, outcome.Intent.Credits, hex.EncodeToString(outcome.Raw))
				continue
			}
			fmt.Fprintf(out, "rejected code=%s raw=%s\n", coin.ErrorCode(outcome.Err), hex.EncodeToString(outcome.Raw))
		}
	}
	fmt.Fprintf(out, "mode=%s total_credits=%d\n", decoder.Mode(), total)
	return nil
}
