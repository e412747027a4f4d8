// Command einkvnc connects to an RFB/VNC server and drives a grayscale
// e-ink panel from its framebuffer updates.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/everydayanchovies/eink-vnc-go/internal/device"
	"github.com/everydayanchovies/eink-vnc-go/internal/frameloop"
	"github.com/everydayanchovies/eink-vnc-go/internal/framebuffer"
	"github.com/everydayanchovies/eink-vnc-go/internal/postproc"
	"github.com/everydayanchovies/eink-vnc-go/internal/rfb"
	"github.com/sirupsen/logrus"
)

const defaultPort = 5900

func main() {
	os.Exit(run())
}

func run() int {
	username := flag.String("username", "", "VNC Authentication / Apple Remote Desktop username")
	password := flag.String("password", "", "VNC Authentication / Apple Remote Desktop password")
	exclusive := flag.Bool("exclusive", false, "request a non-shared (exclusive) session")
	contrast := flag.Float64("contrast", 1.0, "post-processing contrast exponent")
	grayPoint := flag.Float64("graypoint", 224.0, "post-processing gray point")
	whiteCutoff := flag.Uint("whitecutoff", 255, "post-processing white cutoff")
	rotate := flag.Int("rotate", 1, "panel rotation")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: einkvnc HOST [PORT]")
		return 1
	}
	host := args[0]
	port := defaultPort
	if len(args) > 1 {
		p, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid port %q: %v\n", args[1], err)
			return 1
		}
		port = p
	}

	log := logrus.WithFields(logrus.Fields{"host": host, "port": port})

	client, err := rfb.Dial(net.JoinHostPort(host, strconv.Itoa(port)), rfb.DialOptions{
		Shared:      !*exclusive,
		Credentials: rfb.Credentials{Username: *username, Password: *password},
		Logger:      log,
	})
	if err != nil {
		log.WithError(err).Error("einkvnc: connect failed")
		return 1
	}
	defer client.Disconnect()

	if err := client.SetEncodings([]rfb.Encoding{rfb.EncodingCopyRect, rfb.EncodingZRLE, rfb.EncodingCursor, rfb.EncodingDesktopSize}); err != nil {
		log.WithError(err).Error("einkvnc: set encodings failed")
		return 1
	}

	width := client.ServerInit.FramebufferWidth
	height := client.ServerInit.FramebufferHeight

	fb := framebuffer.NewSoftware(int(width), int(height))
	fb.SetRotation(int8(*rotate))
	log.WithField("mark", device.Current.Mark()).Info("einkvnc: using panel model")

	lut := postproc.Build(float32(*contrast), float32(*grayPoint), byte(*whiteCutoff))

	sched := frameloop.NewScheduler(fb, int(width), int(height))
	sched.SetLUT(&lut)

	go client.Run()

	if err := client.RequestFramebufferUpdate(false, 0, 0, width, height); err != nil {
		log.WithError(err).Error("einkvnc: initial update request failed")
		return 1
	}

	if err := frameloop.Run(client, sched, log); err != nil {
		log.WithError(err).Warn("einkvnc: session ended")
		return 1
	}
	return 0
}
