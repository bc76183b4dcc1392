package collector

import "context"

type job struct {
	idx int
	src Source
}

type result struct {
	idx     int
	reading Reading
}

func worker(ctx context.Context, jobs <-chan job, results chan<- result) {
	for j := range jobs {
		results <- result{idx: j.idx, reading: invoke(ctx, j.src)}
	}
}

// collectParallel fans the sources out to a fixed number of workers and
// slots every reading back at its registration index.
func collectParallel(ctx context.Context, sources []Source, workers int) []Reading {
	if workers > len(sources) {
		workers = len(sources)
	}

	jobs := make(chan job, len(sources))
	results := make(chan result, len(sources))

	for w := 1; w <= workers; w++ {
		go worker(ctx, jobs, results)
	}
	for i, src := range sources {
		jobs <- job{idx: i, src: src}
	}
	close(jobs)

	readings := make([]Reading, len(sources))
	for a := 0; a < len(sources); a++ {
		r := <-results
		readings[r.idx] = r.reading
	}
	return readings
}
