package metrics

// Config carries the labels stamped onto every metric series.
type Config struct {
	ServiceName string
	Environment string
}
