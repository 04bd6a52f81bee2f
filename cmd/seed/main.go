// Command seed populates the database with demo data.
package main

import (
	"flag"
	"log"

	"streamgate/internal/config"
	"streamgate/internal/database"
	"streamgate/internal/seed"
)

func main() {
	numUsers := flag.Int("users", 50, "Number of users to create")
	numStreams := flag.Int("streams", 20, "Number of streams to create")
	messages := flag.Int("messages", 40, "Chat messages per live stream")
	shouldClean := flag.Bool("clean", true, "Clean database before seeding")
	flag.Parse()

	log.Println("🌱 Database Seeder")
	log.Printf("Target: %d users, %d streams, %d messages/stream, clean=%v\n",
		*numUsers, *numStreams, *messages, *shouldClean)

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	s := seed.NewSeeder(db)
	if err := s.Seed(seed.Options{
		NumUsers:          *numUsers,
		NumStreams:        *numStreams,
		MessagesPerStream: *messages,
		ShouldClean:       *shouldClean,
	}); err != nil {
		log.Fatalf("❌ Seeding failed: %v", err)
	}

	log.Println("✨ All done! Your database is now populated with demo data.")
	log.Printf("📧 All seeded users have the password: %s", seed.DefaultPassword)
}
