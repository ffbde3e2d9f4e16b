package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/google/gopacket"
	"github.com/sirupsen/logrus"

	"ssh-keystroke-detector/capture"
	"ssh-keystroke-detector/notify"
	"ssh-keystroke-detector/tracker"
)

var (
	device   = flag.String("i", "", "capture live from this network device")
	pcapFile = flag.String("r", "", "read packets from this pcap file")
	bpf      = flag.String("f", "tcp port 22", "BPF capture filter")
	idleTTL  = flag.Duration("ttl", tracker.DefaultIdleTTL, "evict connection state after this idle time")
	progress = flag.Bool("progress", false, "show a progress bar while reading a pcap file")
	verbose  = flag.Bool("v", false, "debug logging")
)

func usage() {
	fmt.Printf("usage: %s [-i device | -r file.pcap] [-f filter] [-ttl duration] [-progress] [-v]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if (*device == "") == (*pcapFile == "") {
		usage()
	}

	log := logrus.New()
	log.SetLevel(logrus.InfoLevel)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	trk := tracker.New(*idleTTL, log)
	sniffer := capture.NewSniffer(trk, notify.NewConsole(log), *idleTTL, log)

	if *pcapFile != "" {
		if err := runOffline(sniffer, log); err != nil {
			log.Fatal(err)
		}
		return
	}
	runLive(sniffer, log)
}

func runLive(sniffer *capture.Sniffer, log *logrus.Logger) {
	handle, err := capture.OpenLive(*device, *bpf)
	if err != nil {
		log.Fatal(err)
	}
	defer handle.Close()

	log.WithFields(logrus.Fields{
		"device": *device,
		"filter": *bpf,
	}).Info("capturing")

	sniffer.Run(gopacket.NewPacketSource(handle, handle.LinkType()))
}

func runOffline(sniffer *capture.Sniffer, log *logrus.Logger) error {
	total := 0
	if *progress {
		// First pass just counts packets so the bar has a total.
		handle, err := capture.OpenOffline(*pcapFile, *bpf)
		if err != nil {
			return err
		}
		for range gopacket.NewPacketSource(handle, handle.LinkType()).Packets() {
			total++
		}
		handle.Close()
	}

	handle, err := capture.OpenOffline(*pcapFile, *bpf)
	if err != nil {
		return err
	}
	defer handle.Close()

	start := time.Now()
	var bar *pb.ProgressBar
	if *progress {
		bar = pb.StartNew(total)
	}

	count := 0
	for packet := range gopacket.NewPacketSource(handle, handle.LinkType()).Packets() {
		sniffer.Process(packet)
		count++
		if bar != nil {
			bar.Increment()
		}
	}
	if bar != nil {
		bar.Finish()
	}

	log.WithFields(logrus.Fields{
		"packets": count,
		"elapsed": time.Since(start).Round(time.Millisecond).String(),
	}).Info("pcap processed")
	return nil
}
