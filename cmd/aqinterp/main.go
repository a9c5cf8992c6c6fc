// Command aqinterp trains and runs the air-quality interpolation models on
// gridded observation files.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/patel-zeel/aqinterp"
	"github.com/patel-zeel/aqinterp/dataset"
	"github.com/patel-zeel/aqinterp/deeptime"
	"github.com/patel-zeel/aqinterp/rf"
)

// appConfig is the JSON configuration file. Model-specific keys are ignored
// by the other family.
type appConfig struct {
	Model     string `json:"model"` // "deeptime" or "rf"
	TrainData string `json:"train_data"`
	TestData  string `json:"test_data"`

	Features        []string `json:"features"`
	Target          string   `json:"target"`
	FeatureScaling  string   `json:"feature_scaling"`
	HiddenDims      []int    `json:"hidden_dims"`
	ReprDim         int      `json:"repr_dim"`
	Dropout         float64  `json:"dropout"`
	ContextFraction float64  `json:"context_fraction"`
	BatchSize       int      `json:"batch_size"`
	Epochs          int      `json:"epochs"`
	LR              float64  `json:"lr"`
	RandomState     uint64   `json:"random_state"`
	Workers         int      `json:"workers"`
	WorkingDir      string   `json:"working_dir"`
	NEstimators     int      `json:"n_estimators"`
	MaxDepth        int      `json:"max_depth"`
	OnFailure       string   `json:"on_failure"` // "propagate" (default) or "mask"
}

var (
	configPath string
	verbose    bool
	cfg        appConfig
)

var rootCmd = &cobra.Command{
	Use:   "aqinterp",
	Short: "Spatiotemporal interpolation of air-quality station data",
	Long: `aqinterp fills in missing station observations of a gridded
air-quality dataset, either with the deeptime implicit-representation
model or with a per-time-step random-forest baseline.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			logrus.SetLevel(logrus.DebugLevel)
		}
		data, err := os.ReadFile(configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
		if cfg.WorkingDir == "" {
			cfg.WorkingDir = "."
		}
		return os.MkdirAll(cfg.WorkingDir, 0o755)
	},
}

func buildModel() (aqinterp.Interpolator, error) {
	mask := cfg.OnFailure == "mask"
	switch cfg.Model {
	case "", "deeptime":
		dc := deeptime.Config{
			Features:        cfg.Features,
			Target:          cfg.Target,
			FeatureScaling:  cfg.FeatureScaling,
			HiddenDims:      cfg.HiddenDims,
			ReprDim:         cfg.ReprDim,
			Dropout:         cfg.Dropout,
			ContextFraction: cfg.ContextFraction,
			BatchSize:       cfg.BatchSize,
			Epochs:          cfg.Epochs,
			LR:              cfg.LR,
			RandomState:     cfg.RandomState,
			WorkingDir:      cfg.WorkingDir,
		}
		if mask {
			dc.OnFailure = deeptime.Mask
		}
		return deeptime.New(dc)
	case "rf":
		rc := rf.Config{
			Features:    cfg.Features,
			Target:      cfg.Target,
			NEstimators: cfg.NEstimators,
			MaxDepth:    cfg.MaxDepth,
			RandomState: cfg.RandomState,
			Workers:     cfg.Workers,
			WorkingDir:  cfg.WorkingDir,
		}
		if mask {
			rc.OnFailure = rf.Mask
		}
		return rf.New(rc)
	default:
		return nil, fmt.Errorf("unknown model %q", cfg.Model)
	}
}

func loadGrid(path, what string) (*dataset.Grid, error) {
	if path == "" {
		return nil, fmt.Errorf("config is missing %s", what)
	}
	return dataset.Load(path)
}

// plotLossCurve is a no-op for model families without a loss history.
func plotLossCurve(model aqinterp.Interpolator) error {
	dt, ok := model.(*deeptime.Model)
	if !ok {
		return nil
	}
	md, err := dt.LoadMetadata()
	if err != nil {
		return err
	}
	path := filepath.Join(cfg.WorkingDir, "loss.png")
	if err := saveLossPlot(md.Losses, path); err != nil {
		return err
	}
	logrus.WithField("path", path).Info("wrote loss curve")
	return nil
}

var fitCmd = &cobra.Command{
	Use:   "fit",
	Short: "Train a model and persist its artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := buildModel()
		if err != nil {
			return err
		}
		train, err := loadGrid(cfg.TrainData, "train_data")
		if err != nil {
			return err
		}
		if err := model.Fit(train); err != nil {
			return err
		}
		return plotLossCurve(model)
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Predict the test grid from persisted artifacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := buildModel()
		if err != nil {
			return err
		}
		train, err := loadGrid(cfg.TrainData, "train_data")
		if err != nil {
			return err
		}
		test, err := loadGrid(cfg.TestData, "test_data")
		if err != nil {
			return err
		}
		out, err := model.Predict(test, train)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"times":    len(out.Times),
			"stations": len(out.Stations),
		}).Info("predictions written")
		return nil
	},
}

var fitPredictCmd = &cobra.Command{
	Use:   "fit-predict",
	Short: "Train and predict in one run",
	RunE: func(cmd *cobra.Command, args []string) error {
		model, err := buildModel()
		if err != nil {
			return err
		}
		train, err := loadGrid(cfg.TrainData, "train_data")
		if err != nil {
			return err
		}
		test, err := loadGrid(cfg.TestData, "test_data")
		if err != nil {
			return err
		}
		out, err := model.FitPredict(train, test)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"times":    len(out.Times),
			"stations": len(out.Stations),
		}).Info("predictions written")
		return plotLossCurve(model)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json", "path to the JSON configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.AddCommand(fitCmd)
	rootCmd.AddCommand(predictCmd)
	rootCmd.AddCommand(fitPredictCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
