package cmd

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/spf13/cobra"

	"firestige.xyz/cv2x/internal/metadata"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <capture.pcap>",
	Short: "Decode reception metadata from a packet capture",
	Long: `Read a pcap capture of reception traffic and decode the metadata
block at the front of every UDP payload.

Only datagrams addressed to --port are decoded when it is set. The summary
counts packets per metadata status.

Examples:
  cv2xctl inspect rx.pcap
  cv2xctl inspect --port 9000 -o json rx.pcap`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(cmd.OutOrStdout(), args[0], inspectOpts)
	},
}

type inspectOptions struct {
	Port   uint16
	Limit  int
	Output string
}

var inspectOpts inspectOptions

func init() {
	f := inspectCmd.Flags()
	f.Uint16Var(&inspectOpts.Port, "port", 0, "only decode datagrams to this UDP port (0 = all)")
	f.IntVar(&inspectOpts.Limit, "limit", 0, "stop after this many decoded datagrams (0 = no limit)")
	f.StringVarP(&inspectOpts.Output, "output", "o", "text", "output format: text, json or yaml")
}

type inspectedPacket struct {
	Index        int               `json:"index" yaml:"index"`
	Time         time.Time         `json:"time" yaml:"time"`
	Source       string            `json:"source" yaml:"source"`
	Destination  string            `json:"destination" yaml:"destination"`
	Consumed     int               `json:"consumed" yaml:"consumed"`
	Status       string            `json:"status" yaml:"status"`
	Reports      []metadata.Report `json:"reports" yaml:"reports"`
	PayloadBytes int               `json:"payload_bytes" yaml:"payload_bytes"`
}

type inspectResult struct {
	Frames   int               `json:"frames" yaml:"frames"`
	Decoded  int               `json:"decoded" yaml:"decoded"`
	ByStatus map[string]int    `json:"by_status" yaml:"by_status"`
	Packets  []inspectedPacket `json:"packets" yaml:"packets"`
}

func runInspect(w io.Writer, path string, opts inspectOptions) error {
	if err := checkOutputFormat(opts.Output); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", path, err)
	}
	defer f.Close()

	res, err := inspectCapture(f, opts)
	if err != nil {
		return err
	}
	if opts.Output != "text" {
		return writeStructured(w, opts.Output, res)
	}

	for _, p := range res.Packets {
		printf(w, "#%d %s %s -> %s status=%s consumed=%d payload=%d\n",
			p.Index, p.Time.UTC().Format(time.RFC3339Nano), p.Source, p.Destination,
			p.Status, p.Consumed, p.PayloadBytes)
		for i, r := range p.Reports {
			printf(w, "  report %d:%s\n", i, formatReport(r))
		}
	}
	printf(w, "frames: %d, decoded: %d\n", res.Frames, res.Decoded)
	for _, s := range slices.Sorted(maps.Keys(res.ByStatus)) {
		printf(w, "  %-10s %d\n", s+":", res.ByStatus[s])
	}
	return nil
}

// inspectCapture decodes the UDP payload metadata of every frame in r.
func inspectCapture(r io.Reader, opts inspectOptions) (*inspectResult, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}
	res := &inspectResult{ByStatus: make(map[string]int), Packets: []inspectedPacket{}}
	for opts.Limit <= 0 || res.Decoded < opts.Limit {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet %d: %w", res.Frames+1, err)
		}
		res.Frames++

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || (opts.Port != 0 && uint16(udp.DstPort) != opts.Port) {
			continue
		}

		consumed, reports, status := metadata.Decode(udp.Payload)
		if reports == nil {
			reports = []metadata.Report{}
		}
		p := inspectedPacket{
			Index:        res.Frames,
			Time:         ci.Timestamp,
			Source:       fmt.Sprintf(":%d", udp.SrcPort),
			Destination:  fmt.Sprintf(":%d", udp.DstPort),
			Consumed:     consumed,
			Status:       status.String(),
			Reports:      reports,
			PayloadBytes: len(udp.Payload) - consumed,
		}
		if nl := pkt.NetworkLayer(); nl != nil {
			src, dst := nl.NetworkFlow().Endpoints()
			p.Source = fmt.Sprintf("%s:%d", src, udp.SrcPort)
			p.Destination = fmt.Sprintf("%s:%d", dst, udp.DstPort)
		}
		res.Decoded++
		res.ByStatus[p.Status]++
		res.Packets = append(res.Packets, p)
	}
	return res, nil
}
