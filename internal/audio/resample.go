package audio

import (
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type soxrKey struct {
	inRate  int
	outRate int
}

var soxrPools sync.Map

func soxrPool(key soxrKey) *sync.Pool {
	if pool, ok := soxrPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	actual, _ := soxrPools.LoadOrStore(key, &sync.Pool{})
	return actual.(*sync.Pool)
}

func acquireResampler(key soxrKey) (*resampler.SimpleResamplerFloat32, error) {
	if v := soxrPool(key).Get(); v != nil {
		if r, ok := v.(*resampler.SimpleResamplerFloat32); ok && r != nil {
			return r, nil
		}
	}
	return resampler.NewEngineFloat32(float64(key.inRate), float64(key.outRate), resampler.QualityHigh)
}

func releaseResampler(key soxrKey, r *resampler.SimpleResamplerFloat32) {
	if r == nil {
		return
	}
	r.Reset()
	soxrPool(key).Put(r)
}

// Resample converts mono PCM16 samples from inRate to outRate.
func Resample(samples []int16, inRate, outRate int) ([]int16, error) {
	if inRate == outRate || len(samples) == 0 {
		return samples, nil
	}
	key := soxrKey{inRate: inRate, outRate: outRate}
	r, err := acquireResampler(key)
	if err != nil {
		return nil, err
	}
	defer releaseResampler(key, r)

	out, err := r.Process(Int16ToFloat32Into(nil, samples))
	if err != nil {
		return nil, err
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, err
	}
	out = append(out, tail...)
	return Float32ToInt16Into(nil, out), nil
}
