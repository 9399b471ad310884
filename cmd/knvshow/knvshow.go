/*
Copyright 2025 The KNV Proto Engine Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/knvproto/knvengine/embedded/knv"
	"github.com/knvproto/knvengine/embedded/logger"
	"github.com/knvproto/knvengine/embedded/protocol"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knvshow [file]",
		Short: "Inspect KNV packets and trees",
		Long: `Decode a serialized KNV packet (native or legacy framing) or a bare
KNV tree and print its structure.

Reads from the file argument, or from stdin when no file is given.

Environment variables:
  KNVSHOW_HEX=false
  KNVSHOW_NODE=false
  KNVSHOW_NO_COLOR=false
  KNVSHOW_METRICS_ADDR=`,
		Args:              cobra.MaximumNArgs(1),
		DisableAutoGenTag: true,
		RunE:              runShow,
	}

	cmd.Flags().Bool("hex", false, "input is hex text instead of raw bytes")
	cmd.Flags().Bool("node", false, "decode as a bare KNV tree, not a protocol packet")
	cmd.Flags().Bool("no-color", false, "disable colored output")
	cmd.Flags().String("metrics-addr", "", "serve prometheus metrics on this address after decoding")

	viper.SetEnvPrefix("knvshow")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})

	return cmd
}

func runShow(cmd *cobra.Command, args []string) error {
	log := logger.NewSimpleLogger("knvshow", os.Stderr)
	defer log.Close()

	if viper.GetBool("no-color") {
		color.NoColor = true
	}

	data, err := readInput(args)
	if err != nil {
		log.Errorf("reading input: %v", err)
		return err
	}

	if viper.GetBool("hex") {
		clean := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
				return -1
			}
			return r
		}, string(data))
		if data, err = hex.DecodeString(clean); err != nil {
			log.Errorf("decoding hex input: %v", err)
			return err
		}
	}

	if viper.GetBool("node") {
		if err := showNode(cmd, data); err != nil {
			log.Errorf("decoding tree: %v", err)
			return err
		}
	} else if err := showProtocol(cmd, log, data); err != nil {
		return err
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		log.Infof("serving metrics on %s", addr)
		http.Handle("/metrics", promhttp.Handler())
		return http.ListenAndServe(addr, nil)
	}
	return nil
}

func readInput(args []string) ([]byte, error) {
	if len(args) == 1 {
		return ioutil.ReadFile(args[0])
	}
	return ioutil.ReadAll(os.Stdin)
}

func showProtocol(cmd *cobra.Command, log logger.Logger, data []byte) error {
	p, err := protocol.Decode(data, true)
	if err != nil {
		// not a packet: fall back to a bare tree
		log.Warningf("not a protocol packet (%v), retrying as bare tree", err)
		if nerr := showNode(cmd, data); nerr != nil {
			log.Errorf("decoding tree: %v", nerr)
			return err
		}
		return nil
	}
	p.SetLogger(log)

	heading := color.New(color.FgCyan, color.Bold)
	heading.Fprintln(cmd.OutOrStdout(), "packet header")

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"cmd", fmt.Sprintf("0x%x", p.Command())})
	table.Append([]string{"subcmd", fmt.Sprintf("0x%x", p.SubCommand())})
	table.Append([]string{"seq", fmt.Sprintf("%d", p.Sequence())})
	table.Append([]string{"retcode", fmt.Sprintf("%d", p.RetCode())})
	if msg := p.RetMsg(); msg != "" {
		table.Append([]string{"retmsg", msg})
	}
	if len(p.RspAddr()) > 0 {
		table.Append([]string{"rspaddr", fmt.Sprintf("%X", p.RspAddr())})
	}
	if p.TotalPartNum() > 0 {
		table.Append([]string{"parts", fmt.Sprintf("%d", p.TotalPartNum())})
	}
	table.Render()

	bodies := 0
	for b := p.FirstBody(); b != nil; b = p.NextBody() {
		bodies++
	}
	heading.Fprintf(cmd.OutOrStdout(), "packet tree (%d bodies)\n", bodies)

	return p.Print(cmd.OutOrStdout(), "")
}

func showNode(cmd *cobra.Command, data []byte) error {
	n, err := knv.Parse(data, true)
	if err != nil {
		return err
	}

	heading := color.New(color.FgCyan, color.Bold)
	heading.Fprintf(cmd.OutOrStdout(), "knv tree (tag=%d, size=%d)\n", n.Tag(), n.EvaluateSize())
	n.Print(cmd.OutOrStdout(), "")
	return nil
}
