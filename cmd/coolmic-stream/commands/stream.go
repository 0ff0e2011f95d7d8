package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/pcm"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/shout"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/simple"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/vumeter"
)

var streamFlags struct {
	config string

	hostname string
	port     int
	mount    string
	username string
	password string
	tlsMode  int

	codec    string
	rate     int
	channels int
	driver   string
	device   string
	quality  float64

	reconnect string
	meter     bool
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Capture audio, encode it and push it to an Icecast server",
	Example: `  # Stream the built-in 1 kHz test tone as Ogg Vorbis
  coolmic-stream stream --host icecast.example.org --mount /test.ogg \
      --password hackme --driver sine

  # Stream with the settings taken from a config file
  coolmic-stream stream --config stream.yaml`,
	RunE: runStream,
}

func init() {
	f := streamCmd.Flags()
	f.StringVarP(&streamFlags.config, "config", "c", "", "YAML configuration file")
	f.StringVar(&streamFlags.hostname, "host", "", "server hostname")
	f.IntVar(&streamFlags.port, "port", 8000, "server port")
	f.StringVar(&streamFlags.mount, "mount", "", "mount point")
	f.StringVar(&streamFlags.username, "user", "", "source username")
	f.StringVar(&streamFlags.password, "password", "", "source password")
	f.IntVar(&streamFlags.tlsMode, "tls", 0, "TLS mode (0=plain, 1=auto, 2/3=required)")
	f.StringVar(&streamFlags.codec, "codec", "vorbis", "codec: vorbis or opus")
	f.IntVar(&streamFlags.rate, "rate", 48000, "sample rate in Hz")
	f.IntVar(&streamFlags.channels, "channels", 1, "channel count")
	f.StringVar(&streamFlags.driver, "driver", "", "capture driver (auto, null, sine, stdio)")
	f.StringVar(&streamFlags.device, "device", "", "capture device or input file")
	f.Float64Var(&streamFlags.quality, "quality", 0.3, "encoder quality (-0.1 to 1.0)")
	f.StringVar(&streamFlags.reconnect, "reconnect", "disabled", "reconnection profile (disabled, flat)")
	f.BoolVar(&streamFlags.meter, "meter", true, "render the VU meter")
}

// mergeConfig folds the config file under the flag values.
func mergeConfig(cmd *cobra.Command, cfg *fileConfig) {
	if !cmd.Flags().Changed("host") && cfg.Server.Hostname != "" {
		streamFlags.hostname = cfg.Server.Hostname
	}
	if !cmd.Flags().Changed("port") && cfg.Server.Port != 0 {
		streamFlags.port = cfg.Server.Port
	}
	if !cmd.Flags().Changed("mount") && cfg.Server.Mount != "" {
		streamFlags.mount = cfg.Server.Mount
	}
	if !cmd.Flags().Changed("user") && cfg.Server.Username != "" {
		streamFlags.username = cfg.Server.Username
	}
	if !cmd.Flags().Changed("password") && cfg.Server.Password != "" {
		streamFlags.password = cfg.Server.Password
	}
	if !cmd.Flags().Changed("tls") && cfg.Server.TLSMode != 0 {
		streamFlags.tlsMode = cfg.Server.TLSMode
	}
	if !cmd.Flags().Changed("codec") && cfg.Audio.Codec != "" {
		streamFlags.codec = cfg.Audio.Codec
	}
	if !cmd.Flags().Changed("rate") && cfg.Audio.Rate != 0 {
		streamFlags.rate = cfg.Audio.Rate
	}
	if !cmd.Flags().Changed("channels") && cfg.Audio.Channels != 0 {
		streamFlags.channels = cfg.Audio.Channels
	}
	if !cmd.Flags().Changed("driver") && cfg.Audio.Driver != "" {
		streamFlags.driver = cfg.Audio.Driver
	}
	if !cmd.Flags().Changed("device") && cfg.Audio.Device != "" {
		streamFlags.device = cfg.Audio.Device
	}
	if !cmd.Flags().Changed("quality") && cfg.Audio.Quality != 0 {
		streamFlags.quality = cfg.Audio.Quality
	}
	if !cmd.Flags().Changed("reconnect") && cfg.Reconnect != "" {
		streamFlags.reconnect = cfg.Reconnect
	}
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(streamFlags.config)
	if err != nil {
		return err
	}
	mergeConfig(cmd, cfg)

	if streamFlags.hostname == "" {
		return fmt.Errorf("no server hostname configured")
	}
	if streamFlags.mount == "" {
		return fmt.Errorf("no mount point configured")
	}

	conf := &shout.Config{
		Hostname:        streamFlags.hostname,
		Port:            streamFlags.port,
		TLSMode:         shout.TLSMode(streamFlags.tlsMode),
		CAFile:          cfg.Server.CAFile,
		CADir:           cfg.Server.CADir,
		Mount:           streamFlags.mount,
		Username:        streamFlags.username,
		Password:        streamFlags.password,
		SoftwareName:    "coolmic-stream",
		SoftwareVersion: dsp.Version,
	}

	format := pcm.Format{Rate: streamFlags.rate, Channels: streamFlags.channels}
	session, err := simple.New(streamFlags.codec, format, 0, conf)
	if err != nil {
		return err
	}
	defer session.Close()

	session.SetQuality(streamFlags.quality)
	session.SetReconnectionProfile(streamFlags.reconnect)
	session.QueueSegment(simple.NewSegment(simple.PipelineLive, streamFlags.driver, streamFlags.device))

	done := make(chan struct{})
	session.SetCallback(func(s *simple.Session, event simple.Event, arg any) {
		switch event {
		case simple.EventError:
			fmt.Fprintf(os.Stderr, "error: %v\n", arg)
		case simple.EventStreamState:
			change := arg.(simple.StreamStateChange)
			fmt.Fprintf(os.Stderr, "stream: %s\n", change.State)
		case simple.EventReconnect:
			fmt.Fprintf(os.Stderr, "reconnecting in %v\n", arg)
		case simple.EventVUMeterResult:
			if streamFlags.meter {
				renderMeter(arg.(vumeter.Result))
			}
		case simple.EventThreadPreStop:
			close(done)
		}
	})

	if err := session.Start(); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
		fmt.Fprintln(os.Stderr, "stopping")
		return session.Stop()
	case <-done:
		return session.Stop()
	}
}

// Meter bar styling: quiet is green, loud is yellow, hot is red.
var (
	meterQuiet = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	meterLoud  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	meterHot   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

const meterWidth = 40

// renderMeter draws one VU line per result on stderr.
func renderMeter(r vumeter.Result) {
	db := r.GlobalPowerDB

	// Map -60..0 dB onto the bar width.
	filled := int((db + 60) / 60 * meterWidth)
	if filled < 0 {
		filled = 0
	} else if filled > meterWidth {
		filled = meterWidth
	}

	style := meterQuiet
	switch {
	case db > -3:
		style = meterHot
	case db > -12:
		style = meterLoud
	}

	bar := style.Render(strings.Repeat("█", filled)) + strings.Repeat("░", meterWidth-filled)
	fmt.Fprintf(os.Stderr, "\r[%s] %6.1f dB peak %5d", bar, db, r.GlobalPeak)
}
