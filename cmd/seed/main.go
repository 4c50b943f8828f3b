// Command seed populates the whiteboard database with sample data.
package main

import (
	"flag"
	"log"

	"whiteboard/internal/config"
	"whiteboard/internal/database"
	"whiteboard/internal/seed"

	"github.com/joho/godotenv"
)

func main() {
	fake := flag.Int("fake", 0, "Number of generated posts to add")
	clean := flag.Bool("clean", false, "Clear users, posts and likes before seeding")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db)

	if *clean {
		if err := s.ClearAll(); err != nil {
			log.Fatalf("Cleanup failed: %v", err)
		}
	}

	if err := s.SeedSamples(); err != nil {
		log.Fatalf("Sample seeding failed: %v", err)
	}

	if _, err := s.SeedFake(*fake); err != nil {
		log.Fatalf("Generated post seeding failed: %v", err)
	}

	log.Println("Database populated with sample data.")
}
